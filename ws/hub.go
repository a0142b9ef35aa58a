package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/yuki-scratch44/LineWeb/auth"
	"github.com/yuki-scratch44/LineWeb/frame"
	"github.com/yuki-scratch44/LineWeb/metrics"
	"github.com/yuki-scratch44/LineWeb/outbox"
	"github.com/yuki-scratch44/LineWeb/store"
)

var (
	errStopping  = errors.New("hub is stopping")
	errQueueFull = errors.New("send queue full")
)

type Config struct {
	// Number of messages in the history snapshot sent on join.
	HistoryLimit int
	// Max size of an inbound frame.
	MaxFrameBytes int64
	// Outbound queue length of a session.
	SendQueueSize int
	// Inbound frames per second per session, 0 disables the limit.
	RateLimit float64
	RateBurst int
	// Browser origins allowed to connect, empty or "*" allows all.
	AllowedOrigins []string
	// Broadcast presence notices on join and leave.
	Presence bool
}

func DefaultConfig() *Config {
	return &Config{
		HistoryLimit:  200,
		MaxFrameBytes: 4096,
		SendQueueSize: 256,
		RateLimit:     20,
		RateBurst:     40,
	}
}

// Hub authenticates upgrade requests, admits sessions and serves them until they close.
type Hub struct {
	conf       *Config
	authClient auth.Client
	store      store.IHistoryStore
	registry   *Registry
	engine     *Engine
	metrics    metrics.MetricsCollector
	upgrader   websocket.Upgrader

	gate     sync.RWMutex
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHub creates a `Hub`. publisher and collector may be nil.
func NewHub(authClient auth.Client, st store.IHistoryStore, publisher outbox.Publisher,
	collector metrics.MetricsCollector, conf *Config) *Hub {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if conf == nil {
		conf = DefaultConfig()
	}

	h := &Hub{
		conf:       conf,
		authClient: authClient,
		store:      st,
		registry:   NewRegistry(collector),
		metrics:    collector,
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.engine = NewEngine(st, h.registry, &h.gate, publisher, collector)

	origins := newOriginPolicy(conf.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     origins.check,
	}
	return h
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	return h.registry.Len()
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if h.stopping.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ident, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v, ip: %s", err, getRemoteIP(r))
		h.metrics.AuthRejected(string(auth.ReasonOf(err)))
		h.refuse(w, r)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, user: %s, err: %s", ident.ID, err)
		return
	}

	// NOTE: after upgrade, `w.WriteHeader(...)` causes error `response.Write on hijacked connection`.

	var limiter *rate.Limiter
	if h.conf.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.conf.RateLimit), h.conf.RateBurst)
	}
	s := newSession(conn, ident, getRemoteIP(r), h.conf.SendQueueSize, limiter)
	s.onClose = h.onSessionClose

	if err := h.admit(s); err != nil {
		glog.Errorf("ServeHTTP(): admit error: %v, session: %s", err, s)
		s.Close(AdmitError)
		return
	}

	glog.V(5).Infof("session opened: %s", s)
	h.metrics.SessionOpened()
	if h.conf.Presence {
		h.engine.broadcast(frame.NewPresence(ident.ID, true), s.ID)
	}

	go func() {
		defer h.wg.Done()
		s.recvLoop(h.ctx, h.engine, h.conf.MaxFrameBytes)
	}()
	go func() {
		defer h.wg.Done()
		s.sendLoop()
	}()
}

// refuse completes the handshake and closes with a policy violation, so browsers see a
// close code instead of a bare handshake failure. No session is created.
func (h *Hub) refuse(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// admit queues the history snapshot as the first frame of s, then makes s visible to
// broadcasts. Both happen under the exclusive gate.
func (h *Hub) admit(s *Session) error {
	h.gate.Lock()
	defer h.gate.Unlock()

	if h.stopping.Load() {
		return errStopping
	}

	msgs, err := h.store.Page(h.ctx, h.conf.HistoryLimit)
	if err != nil {
		h.metrics.PersistenceFailure("page")
		return fmt.Errorf("load history: %w", err)
	}
	payload, err := frame.Encode(frame.NewHistory(msgs))
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if !s.Send(payload) {
		return errQueueFull
	}

	h.registry.Add(s)
	s.admitted.Store(true)
	h.wg.Add(2)
	return nil
}

func (h *Hub) onSessionClose(s *Session, cause CloseCause) {
	h.registry.Remove(s)
	if !s.admitted.Load() {
		return
	}

	h.metrics.SessionClosed(cause.String())
	if h.conf.Presence && cause != ServerStop {
		h.engine.broadcast(frame.NewPresence(s.Identity.ID, false), s.ID)
	}
}

// Shutdown closes every session and waits for their loops to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()

	h.gate.Lock()
	h.stopping.Store(true)
	h.gate.Unlock()

	glog.Infof("close connections ...")
	n := h.registry.CloseAll(ServerStop)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		glog.Infof("close connections done, %d closed", n)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for %d sessions", h.registry.Len())
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
