package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuki-scratch44/LineWeb/auth"
)

var errClosedConn = errors.New("use of closed network connection")

// fakeTransport feeds inbound frames from `in` and records written text frames in `out`.
type fakeTransport struct {
	in  chan []byte
	out chan []byte

	mu         sync.Mutex
	closed     chan struct{}
	closeCode  int
	failWrites bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	case <-f.closed:
		return 0, nil, errClosedConn
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	fail := f.failWrites
	f.mu.Unlock()
	if fail {
		return errClosedConn
	}
	if messageType == websocket.TextMessage {
		f.out <- data
	}
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(data[0])<<8 | int(data[1])
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                {}
func (f *fakeTransport) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeTransport) SetPongHandler(func(string) error) {}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func newTestSession(user string, queueSize int) (*Session, *fakeTransport) {
	conn := newFakeTransport()
	return newSession(conn, auth.Identity{ID: user}, "127.0.0.1", queueSize, nil), conn
}

// queued pops the next frame from the send queue of s.
func queued(t *testing.T, s *Session) map[string]interface{} {
	t.Helper()
	select {
	case payload := <-s.sendChan:
		var v map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &v))
		return v
	default:
		t.Fatalf("no frame queued for %s", s)
		return nil
	}
}

func assertNothingQueued(t *testing.T, s *Session) {
	t.Helper()
	assert.Len(t, s.sendChan, 0, "unexpected frame for %s", s)
}

func waitClosed(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session not closed: %s", s)
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry(nil)
	s1, _ := newTestSession("alice", 4)
	s2, _ := newTestSession("alice", 4)

	r.Add(s1)
	r.Add(s2)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, s1, r.Get(s1.ID))

	assert.True(t, r.Remove(s1))
	assert.False(t, r.Remove(s1))
	assert.Nil(t, r.Get(s1.ID))
	assert.Equal(t, 1, r.Len())

	// a different session registered under the same sid stays.
	impostor := &Session{ID: s2.ID}
	assert.False(t, r.Remove(impostor))
	assert.Equal(t, 1, r.Len())
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newTestSession("alice", 4)
	b, _ := newTestSession("bob", 4)
	c, _ := newTestSession("carol", 4)
	for _, s := range []*Session{a, b, c} {
		r.Add(s)
	}

	sent := r.Broadcast([]byte(`{"type":"typing"}`), a.ID)
	assert.Equal(t, 2, sent)
	assertNothingQueued(t, a)
	assert.Equal(t, "typing", queued(t, b)["type"])
	assert.Equal(t, "typing", queued(t, c)["type"])

	sent = r.Broadcast([]byte(`{"type":"edit"}`), "")
	assert.Equal(t, 3, sent)
	for _, s := range []*Session{a, b, c} {
		assert.Equal(t, "edit", queued(t, s)["type"])
	}
}

func TestBroadcastEvictsFailingSession(t *testing.T) {
	r := NewRegistry(nil)
	healthy, _ := newTestSession("alice", 8)
	stuck, stuckConn := newTestSession("bob", 1)
	r.Add(healthy)
	r.Add(stuck)

	require.True(t, stuck.Send([]byte(`{"type":"filler"}`)))

	sent := r.Broadcast([]byte(`{"type":"message"}`), "")
	assert.Equal(t, 1, sent)
	assert.Nil(t, r.Get(stuck.ID), "evicted before the next broadcast")
	assert.Equal(t, 1, r.Len())

	waitClosed(t, stuck)
	assert.Equal(t, websocket.CloseTryAgainLater, stuckConn.code())

	sent = r.Broadcast([]byte(`{"type":"message"}`), "")
	assert.Equal(t, 1, sent)
	assert.Len(t, healthy.sendChan, 2)
}

func TestBroadcastSkipsClosedSession(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := newTestSession("alice", 4)
	b, _ := newTestSession("bob", 4)
	r.Add(a)
	r.Add(b)

	// without an onClose callback a closed session stays registered until a send fails.
	b.Close(ReadError)
	assert.Equal(t, 2, r.Len())
	sent := r.Broadcast([]byte(`{"type":"message"}`), "")
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, r.Len())
}

func TestDeliver(t *testing.T) {
	r := NewRegistry(nil)
	s, _ := newTestSession("alice", 1)
	r.Add(s)

	assert.True(t, r.Deliver(s, []byte(`{"type":"ack"}`)))
	assert.False(t, r.Deliver(s, []byte(`{"type":"ack"}`)))
	assert.Equal(t, 0, r.Len())
	waitClosed(t, s)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(nil)
	var conns []*fakeTransport
	for i := 0; i < 3; i++ {
		s, conn := newTestSession(fmt.Sprintf("user%d", i), 4)
		r.Add(s)
		conns = append(conns, conn)
	}

	assert.Equal(t, 3, r.CloseAll(ServerStop))
	assert.Equal(t, 0, r.Len())
	for _, conn := range conns {
		assert.Equal(t, websocket.CloseGoingAway, conn.code())
	}
}

func TestSessionCloseOnce(t *testing.T) {
	s, conn := newTestSession("alice", 4)

	var calls int
	var got CloseCause
	s.onClose = func(_ *Session, cause CloseCause) {
		calls++
		got = cause
	}

	s.Close(PeerClosed)
	s.Close(ReadError)
	s.Close(ServerStop)

	assert.Equal(t, 1, calls)
	assert.Equal(t, PeerClosed, got)
	assert.True(t, s.Closed())
	assert.False(t, s.Send([]byte("{}")))
	assert.Equal(t, websocket.CloseNormalClosure, conn.code())
}

func TestSendLoopKeepsOrder(t *testing.T) {
	s, conn := newTestSession("alice", 512)

	const n = 500
	for i := 0; i < n; i++ {
		require.True(t, s.Send([]byte(fmt.Sprintf(`{"seq":%d}`, i))))
	}

	go s.sendLoop()
	defer s.Close(ServerStop)

	for i := 0; i < n; i++ {
		select {
		case payload := <-conn.out:
			assert.Equal(t, fmt.Sprintf(`{"seq":%d}`, i), string(payload))
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d not written", i)
		}
	}
}

func TestSendLoopWriteErrorClosesSession(t *testing.T) {
	s, conn := newTestSession("alice", 4)
	conn.failWrites = true

	var cause CloseCause
	closed := make(chan struct{})
	s.onClose = func(_ *Session, c CloseCause) {
		cause = c
		close(closed)
	}

	go s.sendLoop()
	require.True(t, s.Send([]byte(`{}`)))

	select {
	case <-closed:
		assert.Equal(t, WriteError, cause)
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed on write error")
	}
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []string
}

func (h *recordingHandler) Handle(_ context.Context, _ *Session, _ int, raw []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, string(raw))
	h.mu.Unlock()
}

func TestRecvLoopDeliversInOrderUntilClosed(t *testing.T) {
	s, conn := newTestSession("alice", 4)
	h := &recordingHandler{}

	exited := make(chan struct{})
	go func() {
		s.recvLoop(context.Background(), h, 4096)
		close(exited)
	}()

	for i := 0; i < 5; i++ {
		conn.in <- []byte(fmt.Sprintf("%d", i))
	}
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.frames) == 5
	}, 3*time.Second, 10*time.Millisecond)

	s.Close(ServerStop)
	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("recvLoop did not exit after close")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, h.frames)
}
