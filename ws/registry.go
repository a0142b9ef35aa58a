package ws

import (
	"sync"

	"github.com/golang/glog"

	"github.com/yuki-scratch44/LineWeb/metrics"
)

// Registry holds the live sessions keyed by sid. A user may hold several sessions.
type Registry struct {
	sync.RWMutex
	sessions map[string]*Session
	metrics  metrics.MetricsCollector
}

func NewRegistry(collector metrics.MetricsCollector) *Registry {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  collector,
	}
}

func (r *Registry) Add(s *Session) {
	r.Lock()
	r.sessions[s.ID] = s
	r.Unlock()
}

// Remove deletes s and reports whether it was present. Calling it again is a no-op.
func (r *Registry) Remove(s *Session) bool {
	r.Lock()
	defer r.Unlock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

func (r *Registry) Get(sid string) *Session {
	r.RLock()
	s := r.sessions[sid]
	r.RUnlock()
	return s
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current members. The slice is owned by the caller.
func (r *Registry) Snapshot() []*Session {
	r.RLock()
	defer r.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast enqueues payload to every member except the session `exclude`, and returns
// the number of sessions that accepted it. Members that fail the enqueue are evicted.
func (r *Registry) Broadcast(payload []byte, exclude string) int {
	var sent int
	var failed []*Session
	for _, s := range r.Snapshot() {
		if s.ID == exclude {
			continue
		}
		if s.Send(payload) {
			sent++
		} else {
			failed = append(failed, s)
		}
	}

	for _, s := range failed {
		r.evict(s)
	}
	r.metrics.Broadcast(sent)
	return sent
}

// Deliver enqueues payload to a single session, evicting it on failure.
func (r *Registry) Deliver(s *Session, payload []byte) bool {
	if s.Send(payload) {
		return true
	}
	r.evict(s)
	return false
}

// evict removes s right away so later broadcasts skip it; the transport is closed in
// the background.
func (r *Registry) evict(s *Session) {
	if r.Remove(s) {
		glog.Warningf("registry: evict session: %s", s)
		r.metrics.SendFailure()
	}
	go s.Close(QueueFull)
}

// CloseAll closes every member with cause and returns how many there were.
func (r *Registry) CloseAll(cause CloseCause) int {
	sessions := r.Snapshot()
	for _, s := range sessions {
		s.Close(cause)
		r.Remove(s)
	}
	return len(sessions)
}
