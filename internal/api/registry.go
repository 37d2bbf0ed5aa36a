package api

import (
	"context"
	"sync"
	"time"

	"chaintv/internal/gate"
	"chaintv/internal/metrics"
)

// SessionRegistry holds the open viewer sessions and caps how many one
// client IP may keep open. Closing a session detaches it, cancels its
// in-flight requests, and releases its price oracle lease.
type SessionRegistry struct {
	mu       sync.RWMutex
	maxPerIP int
	sessions map[string]*registered
	byIP     map[string]map[string]struct{}
}

type registered struct {
	sess    *gate.Session
	ip      string
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
}

// NewSessionRegistry creates a registry with the given per-IP cap.
func NewSessionRegistry(maxPerIP int) *SessionRegistry {
	return &SessionRegistry{
		maxPerIP: maxPerIP,
		sessions: make(map[string]*registered),
		byIP:     make(map[string]map[string]struct{}),
	}
}

// CanOpen reports whether ip is under its session cap.
func (r *SessionRegistry) CanOpen(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxPerIP <= 0 || len(r.byIP[ip]) < r.maxPerIP
}

// Count returns the number of open sessions for ip.
func (r *SessionRegistry) Count(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP[ip])
}

func (r *SessionRegistry) MaxPerIP() int {
	return r.maxPerIP
}

// Len is the total number of open sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Add registers sess for ip. release is called once when the session
// closes; it may be nil.
func (r *SessionRegistry) Add(ip string, sess *gate.Session, release func()) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID()] = &registered{sess: sess, ip: ip, ctx: ctx, cancel: cancel, release: release}
	if r.byIP[ip] == nil {
		r.byIP[ip] = make(map[string]struct{})
	}
	r.byIP[ip][sess.ID()] = struct{}{}
	metrics.OpenSessions.Set(float64(len(r.sessions)))
}

// Get returns the session and a context that ends when it closes.
func (r *SessionRegistry) Get(id string) (*gate.Session, context.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, nil, false
	}
	return e.sess, e.ctx, true
}

// Remove closes the session. It returns false if id was not open.
func (r *SessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	e, ok := r.removeLocked(id)
	r.mu.Unlock()
	if ok {
		e.close()
	}
	return ok
}

func (r *SessionRegistry) removeLocked(id string) (*registered, bool) {
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	if ids := r.byIP[e.ip]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byIP, e.ip)
		}
	}
	metrics.OpenSessions.Set(float64(len(r.sessions)))
	return e, true
}

func (e *registered) close() {
	e.sess.Detach()
	e.cancel()
	if e.release != nil {
		e.release()
	}
}

// CleanupIdle closes sessions not touched within maxAge. A session with a
// payment in progress is never idle. Returns the number closed.
func (r *SessionRegistry) CleanupIdle(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var closed []*registered
	for id, e := range r.sessions {
		if e.sess.State() == gate.PaymentInProgress {
			continue
		}
		if e.sess.LastActive().Before(cutoff) {
			if e, ok := r.removeLocked(id); ok {
				closed = append(closed, e)
			}
		}
	}
	r.mu.Unlock()

	for _, e := range closed {
		e.close()
	}
	return len(closed)
}

// Close closes every session.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	var closed []*registered
	for id := range r.sessions {
		if e, ok := r.removeLocked(id); ok {
			closed = append(closed, e)
		}
	}
	r.mu.Unlock()

	for _, e := range closed {
		e.close()
	}
}
