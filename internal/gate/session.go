package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"chaintv/internal/logging"
	"chaintv/internal/metrics"
	"chaintv/internal/streams"
)

var (
	ErrAlreadyGranted    = errors.New("access already granted")
	ErrAlreadyInProgress = errors.New("payment already in progress")
	ErrUnresolved        = errors.New("access not resolved yet")
	ErrNoViewer          = errors.New("no wallet address for this session")
	ErrDetached          = errors.New("session detached")
	ErrNotFailed         = errors.New("no failed payment to acknowledge")
)

// PendingPayment is a submitted transfer whose outcome is not known. A
// later attempt must resolve it before sending another.
type PendingPayment struct {
	Signature            string          `json:"signature"`
	Recipient            string          `json:"recipient"`
	Lamports             uint64          `json:"lamports"`
	USD                  decimal.Decimal `json:"usd"`
	LastValidBlockHeight uint64          `json:"lastValidBlockHeight"`
	SubmittedAt          time.Time       `json:"submittedAt"`
}

// Session is one viewer's access state for one stream. Re-evaluation on
// descriptor or wallet changes never touches a payment in progress; only
// the Flow returned by BeginPayment can finish it.
type Session struct {
	mu       sync.Mutex
	id       string
	desc     *streams.Descriptor
	viewer   string
	state    State
	reason   Reason
	lastErr  error
	pending  *PendingPayment
	flow     *Flow
	gen      uint64
	detached bool
	touched  time.Time
}

func NewSession() *Session {
	return &Session{
		id:      uuid.New().String(),
		touched: time.Now(),
	}
}

func (s *Session) ID() string {
	return s.id
}

// SetDescriptor installs desc. A descriptor for a different stream resets
// the session to unresolved and orphans any flow; a refresh of the same
// stream only re-evaluates.
func (s *Session) SetDescriptor(desc *streams.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.touched = time.Now()

	if s.desc == nil || desc == nil || s.desc.PlaybackID != desc.PlaybackID {
		s.gen++
		s.flow = nil
		s.pending = nil
		s.lastErr = nil
		s.state = Unresolved
		s.reason = ReasonNone
	}
	s.desc = desc
	s.evaluateLocked()
}

// SetViewer records the connected wallet address ("" when disconnected).
func (s *Session) SetViewer(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.touched = time.Now()
	if s.viewer == addr {
		return
	}
	s.viewer = addr
	s.evaluateLocked()
}

func (s *Session) evaluateLocked() {
	switch s.state {
	case Granted, PaymentInProgress:
		return
	}
	d := Evaluate(s.desc, s.viewer)
	if s.state == PaymentFailed && d.State != Granted {
		// A failure stays visible until acknowledged.
		return
	}
	s.state, s.reason = d.State, d.Reason
	if d.State != Unresolved {
		metrics.AccessDecisionsTotal.WithLabelValues(d.State.String(), string(d.Reason)).Inc()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Descriptor() *streams.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desc
}

func (s *Session) Viewer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewer
}

// Pending returns the outcome-unknown payment, if any.
func (s *Session) Pending() *PendingPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// LastActive is the last time the session was touched by a caller.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// CheckPayable reports why a payment cannot start, without changing state.
func (s *Session) CheckPayable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payableLocked()
}

func (s *Session) payableLocked() error {
	if s.detached {
		return ErrDetached
	}
	switch s.state {
	case Granted:
		return ErrAlreadyGranted
	case PaymentInProgress:
		return ErrAlreadyInProgress
	case Unresolved:
		return ErrUnresolved
	}
	if s.viewer == "" {
		return ErrNoViewer
	}
	return nil
}

// BeginPayment moves the session to payment-in-progress and returns the
// flow that owns it. A failed session may retry directly.
func (s *Session) BeginPayment() (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.payableLocked(); err != nil {
		return nil, err
	}
	s.touched = time.Now()
	s.state = PaymentInProgress
	s.lastErr = nil
	f := &Flow{
		s:          s,
		gen:        s.gen,
		Descriptor: s.desc,
		Viewer:     s.viewer,
		Pending:    s.pending,
	}
	s.flow = f
	return f, nil
}

// Acknowledge clears a failed payment so the viewer can try again.
func (s *Session) Acknowledge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Granted:
		return nil
	case PaymentFailed:
		s.touched = time.Now()
		s.state = PaymentRequired
		s.reason = ReasonPayment
		s.lastErr = nil
		s.evaluateLocked()
		return nil
	}
	return ErrNotFailed
}

// Detach discards the session. Results of an in-flight flow are dropped.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	s.gen++
	s.flow = nil
	if s.state == PaymentInProgress {
		logging.Payments.Info().Str("session", s.id).Msg("session detached with payment in flight; result will be discarded")
	}
}

func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Snapshot is the session view reported to clients.
type Snapshot struct {
	ID         string          `json:"id"`
	PlaybackID string          `json:"playbackId,omitempty"`
	Viewer     string          `json:"viewer,omitempty"`
	State      State           `json:"state"`
	Reason     Reason          `json:"reason,omitempty"`
	Error      string          `json:"error,omitempty"`
	Pending    *PendingPayment `json:"pending,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:     s.id,
		Viewer: s.viewer,
		State:  s.state,
		Reason: s.reason,
	}
	if s.desc != nil {
		snap.PlaybackID = s.desc.PlaybackID
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	return snap
}

// Flow is the exclusive right to finish one payment attempt. Its methods
// report false when the session has moved on (detached, or switched to
// another stream) and the result was discarded.
type Flow struct {
	s   *Session
	gen uint64

	Descriptor *streams.Descriptor
	Viewer     string
	// Pending is the unresolved earlier attempt, if any, at the time the
	// flow began.
	Pending *PendingPayment
}

func (f *Flow) currentLocked() bool {
	return !f.s.detached && f.s.gen == f.gen && f.s.flow == f
}

// Active reports whether the flow still owns its session.
func (f *Flow) Active() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.currentLocked()
}

// Grant finishes the flow with access granted and the pending record cleared.
func (f *Flow) Grant() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if !f.currentLocked() {
		return false
	}
	f.s.flow = nil
	f.s.pending = nil
	f.s.lastErr = nil
	f.s.state = Granted
	f.s.reason = ReasonPaid
	f.s.desc = f.s.desc.WithPayer(f.Viewer)
	f.s.touched = time.Now()
	metrics.AccessDecisionsTotal.WithLabelValues(Granted.String(), string(ReasonPaid)).Inc()
	return true
}

// Fail finishes the flow in state, which must be PaymentRequired or
// PaymentFailed.
func (f *Flow) Fail(state State, err error) bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if !f.currentLocked() {
		return false
	}
	if state != PaymentRequired {
		state = PaymentFailed
	}
	f.s.flow = nil
	f.s.state = state
	f.s.reason = ReasonPayment
	f.s.lastErr = err
	f.s.touched = time.Now()
	return true
}

// Remember records an outcome-unknown submission; nil clears it.
func (f *Flow) Remember(p *PendingPayment) bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if !f.currentLocked() {
		return false
	}
	f.s.pending = p
	return true
}
