package ws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"
	"golang.org/x/time/rate"

	"github.com/yuki-scratch44/LineWeb/auth"
)

type CloseCause int

const (
	ReadError CloseCause = iota + 1
	WriteError
	PingError
	QueueFull
	ServerStop
	PeerClosed
	AdmitError
)

func (c CloseCause) String() string {
	switch c {
	case ReadError:
		return "read_error"
	case WriteError:
		return "write_error"
	case PingError:
		return "ping_error"
	case QueueFull:
		return "queue_full"
	case ServerStop:
		return "server_stop"
	case PeerClosed:
		return "peer_closed"
	case AdmitError:
		return "admit_error"
	}
	return "unknown"
}

// closeCode is the websocket close code sent to the peer.
func (c CloseCause) closeCode() int {
	switch c {
	case ServerStop:
		return websocket.CloseGoingAway
	case QueueFull:
		return websocket.CloseTryAgainLater
	case AdmitError:
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Transport is the part of *websocket.Conn a Session uses.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// FrameHandler consumes inbound frames of a session, one at a time in arrival order.
type FrameHandler interface {
	Handle(ctx context.Context, s *Session, messageType int, raw []byte)
}

// Session is one authenticated connection. Every outbound frame goes through sendChan,
// which keeps the frames of a session in issue order.
type Session struct {
	ID         string
	Identity   auth.Identity
	IP         string
	CreateTime time.Time

	conn     Transport
	sendChan chan []byte
	done     chan struct{}
	limiter  *rate.Limiter

	closeOnce sync.Once
	admitted  atomic.Bool
	onClose   func(s *Session, cause CloseCause)
}

func newSession(conn Transport, ident auth.Identity, ip string, queueSize int, limiter *rate.Limiter) *Session {
	return &Session{
		ID:         strings.ReplaceAll(uuid.New(), "-", ""),
		Identity:   ident,
		IP:         ip,
		CreateTime: time.Now().UTC(),
		conn:       conn,
		sendChan:   make(chan []byte, queueSize),
		done:       make(chan struct{}),
		limiter:    limiter,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("sid=%s user=%s ip=%s", s.ID, s.Identity.ID, s.IP)
}

// Send enqueues payload without blocking. It returns false when the queue is full or the
// session is closed.
func (s *Session) Send(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.sendChan <- payload:
		return true
	default:
		return false
	}
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close closes the transport once, which also unblocks a pending read. Later calls are no-ops.
func (s *Session) Close(cause CloseCause) {
	s.closeOnce.Do(func() {
		close(s.done)

		msg := websocket.FormatCloseMessage(cause.closeCode(), "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.conn.Close()

		glog.V(5).Infof("session closed, cause: %s, %s", cause, s)
		if s.onClose != nil {
			s.onClose(s, cause)
		}
	})
}

// allow reports whether one more inbound frame fits the rate limit.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) recvLoop(ctx context.Context, handler FrameHandler, readLimit int64) {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", s) }()

	s.conn.SetReadLimit(readLimit)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				glog.V(5).Infof("recvLoop(): closed by peer, code: %d, session: %s", ce.Code, s)
				s.Close(PeerClosed)
			} else {
				if !s.Closed() {
					glog.Errorf("recvLoop(): read error: %v, session: %s", err, s)
				}
				s.Close(ReadError)
			}
			return
		}
		if s.Closed() {
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %s", msg)
		handler.Handle(ctx, s, msgType, msg)
	}
}

func (s *Session) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", s)
	}()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.sendChan:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				glog.Errorf("sendLoop(): error write message, session: %s, err: %v", s, err)
				s.Close(WriteError)
				return
			}
		case <-pingTicker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): error write ping message, session: %s, err: %v", s, err)
				s.Close(PingError)
				return
			}
		}
	}
}
