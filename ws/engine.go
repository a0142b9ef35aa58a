package ws

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/yuki-scratch44/LineWeb/frame"
	"github.com/yuki-scratch44/LineWeb/metrics"
	"github.com/yuki-scratch44/LineWeb/outbox"
	"github.com/yuki-scratch44/LineWeb/store"
)

// Engine serves inbound frames of active sessions.
//
// gate orders history mutations against session admission: Append and SetEdit run with
// their broadcast under the read lock, while admission loads the history snapshot and
// registers the session under the write lock. A message is therefore either part of the
// snapshot a session starts with, or delivered to it live afterwards.
type Engine struct {
	store     store.IHistoryStore
	registry  *Registry
	gate      *sync.RWMutex
	publisher outbox.Publisher
	metrics   metrics.MetricsCollector
}

func NewEngine(st store.IHistoryStore, registry *Registry, gate *sync.RWMutex,
	publisher outbox.Publisher, collector metrics.MetricsCollector) *Engine {
	if publisher == nil {
		publisher = outbox.Nop{}
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Engine{
		store:     st,
		registry:  registry,
		gate:      gate,
		publisher: publisher,
		metrics:   collector,
	}
}

// Handle implements `FrameHandler`. Every failure is reported to the sender only, and
// the session stays open.
func (e *Engine) Handle(ctx context.Context, s *Session, messageType int, raw []byte) {
	if !s.allow() {
		e.replyError(s, frame.CodeRateLimited, "", "")
		return
	}

	if messageType != websocket.TextMessage {
		e.replyError(s, frame.CodeInvalidJSON, "text frames only", "")
		return
	}

	req, err := frame.Decode(raw)
	if err != nil {
		var de *frame.DecodeError
		if errors.As(err, &de) {
			glog.V(5).Infof("Handle(): bad frame: %v, session: %s", err, s)
			e.replyError(s, de.Code(), de.Detail, de.Type)
		} else {
			e.replyError(s, frame.CodeInvalidJSON, "", "")
		}
		return
	}

	e.metrics.FrameReceived(req.Type())

	switch v := req.(type) {
	case *frame.MessageReq:
		e.post(ctx, s, v)
	case *frame.EditReq:
		e.edit(ctx, s, v)
	case *frame.ReadReq:
		e.read(ctx, s, v)
	case *frame.TypingReq:
		e.typing(s, v)
	default:
		glog.Errorf("Handle(): unsupported request: %T", v)
		e.replyError(s, frame.CodeUnknownType, "", req.Type())
	}
}

func (e *Engine) post(ctx context.Context, s *Session, req *frame.MessageReq) {
	e.gate.RLock()
	m, err := e.store.Append(ctx, store.NewMessage{
		Author: s.Identity.ID,
		Icon:   s.Identity.Icon,
		Text:   req.Text,
		Image:  req.Image,
	})
	if err != nil {
		e.gate.RUnlock()
		e.persistenceFailure(s, "append", frame.TypeMessage, err)
		return
	}
	e.broadcast(frame.NewPosted(m), s.ID)
	e.gate.RUnlock()

	e.reply(s, frame.NewAck(req.ClientID, m.ID))
	e.publisher.Publish(outbox.NewMessageEvent(m))
}

func (e *Engine) edit(ctx context.Context, s *Session, req *frame.EditReq) {
	e.gate.RLock()
	m, result, err := e.store.SetEdit(ctx, req.MessageID, s.Identity.ID, req.Text)
	if err != nil {
		e.gate.RUnlock()
		e.persistenceFailure(s, "set_edit", frame.TypeEdit, err)
		return
	}
	if result == store.EditOK {
		e.broadcast(frame.NewEdited(m), "")
	}
	e.gate.RUnlock()

	switch result {
	case store.EditOK:
		e.publisher.Publish(outbox.NewEditEvent(m))
	case store.EditForbidden:
		glog.V(5).Infof("edit(): %s is not the author of %s", s.Identity.ID, req.MessageID)
		e.replyError(s, frame.CodeNotAllowed, "", frame.TypeEdit)
	case store.EditNotFound:
		e.replyError(s, frame.CodeNotFound, "", frame.TypeEdit)
	}
}

// Receipts are not part of the history snapshot, so read does not take the gate.
func (e *Engine) read(ctx context.Context, s *Session, req *frame.ReadReq) {
	r, result, err := e.store.RecordRead(ctx, req.MessageID, s.Identity.ID)
	if err != nil {
		e.persistenceFailure(s, "record_read", frame.TypeRead, err)
		return
	}
	if result == store.ReadNotFound {
		e.replyError(s, frame.CodeNotFound, "", frame.TypeRead)
		return
	}

	e.broadcast(frame.NewReadNotice(r), "")
	e.publisher.Publish(outbox.NewReadEvent(r))
}

func (e *Engine) typing(s *Session, req *frame.TypingReq) {
	e.broadcast(frame.NewTypingNotice(s.Identity.ID, *req.Typing), s.ID)
}

func (e *Engine) broadcast(v interface{}, exclude string) {
	payload, err := frame.Encode(v)
	if err != nil {
		glog.Errorf("broadcast(): encode %T: %v", v, err)
		return
	}
	e.registry.Broadcast(payload, exclude)
}

func (e *Engine) reply(s *Session, v interface{}) {
	payload, err := frame.Encode(v)
	if err != nil {
		glog.Errorf("reply(): encode %T: %v", v, err)
		return
	}
	e.registry.Deliver(s, payload)
}

func (e *Engine) replyError(s *Session, code, detail, req string) {
	e.metrics.FrameRejected(code)
	e.reply(s, frame.NewError(code, detail, req))
}

// persistenceFailure logs err and answers with internal_error; the cause stays in the log.
func (e *Engine) persistenceFailure(s *Session, op, req string, err error) {
	glog.Errorf("%s: store error: %v, session: %s", op, err, s)
	e.metrics.PersistenceFailure(op)
	e.replyError(s, frame.CodeInternalError, "", req)
}
