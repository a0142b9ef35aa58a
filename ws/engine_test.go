package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/yuki-scratch44/LineWeb/outbox"
	"github.com/yuki-scratch44/LineWeb/store"
	mock_store "github.com/yuki-scratch44/LineWeb/store/mock"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*outbox.Event
}

func (p *recordingPublisher) Publish(e *outbox.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type engineFixture struct {
	engine    *Engine
	store     *mock_store.MockIHistoryStore
	publisher *recordingPublisher
	a, b, c   *Session
}

func newEngineFixture(t *testing.T) *engineFixture {
	mockCtrl := gomock.NewController(t)
	t.Cleanup(mockCtrl.Finish)

	f := &engineFixture{
		store:     mock_store.NewMockIHistoryStore(mockCtrl),
		publisher: &recordingPublisher{},
	}
	registry := NewRegistry(nil)
	f.engine = NewEngine(f.store, registry, &sync.RWMutex{}, f.publisher, nil)

	f.a, _ = newTestSession("alice", 16)
	f.a.Identity.Icon = "alice.png"
	f.b, _ = newTestSession("bob", 16)
	f.c, _ = newTestSession("carol", 16)
	for _, s := range []*Session{f.a, f.b, f.c} {
		registry.Add(s)
	}
	return f
}

func (f *engineFixture) handle(s *Session, raw string) {
	f.engine.Handle(context.Background(), s, websocket.TextMessage, []byte(raw))
}

func storedMessage(id, author, text string) *store.Message {
	return &store.Message{ID: id, Author: author, Text: text, CreateTime: time.Now().UTC()}
}

func TestPostMessage(t *testing.T) {
	f := newEngineFixture(t)

	f.store.EXPECT().Append(gomock.Any(), store.NewMessage{Author: "alice", Icon: "alice.png", Text: "hi"}).
		Return(&store.Message{ID: "s1", Author: "alice", Icon: "alice.png", Text: "hi", CreateTime: time.Now().UTC()}, nil)

	f.handle(f.a, `{"type":"message","id":"c1","text":"hi"}`)

	ack := queued(t, f.a)
	assert.Equal(t, map[string]interface{}{"type": "ack", "client_id": "c1", "server_id": "s1"}, ack)
	assertNothingQueued(t, f.a)

	for _, s := range []*Session{f.b, f.c} {
		v := queued(t, s)
		assert.Equal(t, "message", v["type"])
		msg := v["message"].(map[string]interface{})
		assert.Equal(t, "s1", msg["id"])
		assert.Equal(t, "hi", msg["text"])
		assert.Equal(t, "alice", msg["user"])
		assert.Equal(t, "alice.png", msg["icon"])
		assertNothingQueued(t, s)
	}

	assert.Equal(t, []string{outbox.KindMessage}, f.publisher.kinds())
}

func TestPostMessagePersistenceFailure(t *testing.T) {
	f := newEngineFixture(t)

	f.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil, errors.New("disk full"))

	f.handle(f.a, `{"type":"message","id":"c1","text":"hi"}`)

	assert.Equal(t, map[string]interface{}{"type": "error", "message": "internal_error", "req": "message"}, queued(t, f.a))
	assertNothingQueued(t, f.b)
	assertNothingQueued(t, f.c)
	assert.Empty(t, f.publisher.kinds())
	assert.False(t, f.a.Closed())
}

func TestEditByAuthor(t *testing.T) {
	f := newEngineFixture(t)

	edited := storedMessage("s1", "alice", "hi")
	text := "hello"
	now := time.Now().UTC()
	edited.EditedText, edited.EditTime = &text, &now
	f.store.EXPECT().SetEdit(gomock.Any(), "s1", "alice", "hello").Return(edited, store.EditOK, nil)

	f.handle(f.a, `{"type":"edit","message_id":"s1","text":"hello"}`)

	for _, s := range []*Session{f.a, f.b, f.c} {
		v := queued(t, s)
		assert.Equal(t, "edit", v["type"])
		msg := v["message"].(map[string]interface{})
		assert.Equal(t, "s1", msg["id"])
		assert.Equal(t, "hello", msg["edited_text"])
	}
	assert.Equal(t, []string{outbox.KindEdit}, f.publisher.kinds())
}

func TestEditRejected(t *testing.T) {
	cases := []struct {
		result store.EditResult
		code   string
	}{
		{store.EditForbidden, "not_allowed"},
		{store.EditNotFound, "not_found"},
	}

	for _, c := range cases {
		t.Run(c.result.String(), func(t *testing.T) {
			f := newEngineFixture(t)
			f.store.EXPECT().SetEdit(gomock.Any(), "s1", "alice", "mine now").Return(nil, c.result, nil)

			f.handle(f.a, `{"type":"edit","message_id":"s1","text":"mine now"}`)

			assert.Equal(t, map[string]interface{}{"type": "error", "message": c.code, "req": "edit"}, queued(t, f.a))
			assertNothingQueued(t, f.a)
			assertNothingQueued(t, f.b)
			assertNothingQueued(t, f.c)
			assert.Empty(t, f.publisher.kinds())
		})
	}
}

func TestRead(t *testing.T) {
	f := newEngineFixture(t)

	readAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	f.store.EXPECT().RecordRead(gomock.Any(), "s1", "bob").
		Return(&store.ReadReceipt{MessageID: "s1", Reader: "bob", ReadTime: readAt}, store.ReadOK, nil)

	f.handle(f.b, `{"type":"read","message_id":"s1"}`)

	want := map[string]interface{}{"type": "read", "message_id": "s1", "user": "bob", "read_at": "2026-03-04T05:06:07Z"}
	for _, s := range []*Session{f.a, f.b, f.c} {
		assert.Equal(t, want, queued(t, s))
	}
	assert.Equal(t, []string{outbox.KindRead}, f.publisher.kinds())
}

func TestReadUnknownMessage(t *testing.T) {
	f := newEngineFixture(t)
	f.store.EXPECT().RecordRead(gomock.Any(), "nope", "bob").Return(nil, store.ReadNotFound, nil)

	f.handle(f.b, `{"type":"read","message_id":"nope"}`)

	assert.Equal(t, map[string]interface{}{"type": "error", "message": "not_found", "req": "read"}, queued(t, f.b))
	assertNothingQueued(t, f.a)
	assertNothingQueued(t, f.c)
}

func TestTypingExcludesSender(t *testing.T) {
	f := newEngineFixture(t)

	f.handle(f.a, `{"type":"typing","typing":true}`)

	assertNothingQueued(t, f.a)
	want := map[string]interface{}{"type": "typing", "user": "alice", "typing": true}
	assert.Equal(t, want, queued(t, f.b))
	assert.Equal(t, want, queued(t, f.c))
}

func TestMalformedFrames(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `{"type":`, "invalid_json"},
		{"unknown type", `{"type":"join","room":"x"}`, "unknown_type"},
		{"missing fields", `{"type":"edit"}`, "invalid_json"},
		{"message without id", `{"type":"message","text":"hi"}`, "invalid_json"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newEngineFixture(t)

			f.handle(f.a, c.raw)

			v := queued(t, f.a)
			assert.Equal(t, "error", v["type"])
			assert.Equal(t, c.code, v["message"])
			assert.False(t, f.a.Closed())
			assertNothingQueued(t, f.b)
		})
	}
}

func TestBinaryFrameRejected(t *testing.T) {
	f := newEngineFixture(t)

	f.engine.Handle(context.Background(), f.a, websocket.BinaryMessage, []byte{0x01, 0x02})

	v := queued(t, f.a)
	assert.Equal(t, "invalid_json", v["message"])
	assert.False(t, f.a.Closed())
}

func TestRateLimited(t *testing.T) {
	f := newEngineFixture(t)
	f.a.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	f.handle(f.a, `{"type":"typing","typing":true}`)
	f.handle(f.a, `{"type":"typing","typing":false}`)

	assert.Equal(t, "typing", queued(t, f.b)["type"])
	assertNothingQueued(t, f.b)
	v := queued(t, f.a)
	require.Equal(t, "error", v["type"])
	assert.Equal(t, "rate_limited", v["message"])
}
