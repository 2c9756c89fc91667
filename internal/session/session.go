// Package session implements the Session Registry: session id allocation, the
// activity clock and expiry sweeper, per-session SSE sink tracking with atomic
// queue-drain-on-attach, and aggregate statistics.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tanagram/mcpbridge/internal/config"
	"github.com/tanagram/mcpbridge/internal/jsonrpc"
)

// Sink receives server-initiated messages fanned out to an attached SSE stream. The
// HTTP Front-End implements this over an SSE write; tests use a fake.
type Sink interface {
	Send(msg jsonrpc.Message) error
}

// Session is one client↔subprocess binding, per §3's Session data model.
type Session struct {
	ID         string
	HandleID   string
	ServerName string
	CreatedAt  time.Time

	mu            sync.Mutex
	lastActivity  time.Time
	initialized   bool
	queue         []jsonrpc.Message
	sinks         map[string]Sink
}

func newSession(id, handleID, serverName string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		HandleID:     handleID,
		ServerName:   serverName,
		CreatedAt:    now,
		lastActivity: now,
		sinks:        make(map[string]Sink),
	}
}

// Touch bumps the activity clock. Last-activity time is monotone non-decreasing
// within the session's life (§3 invariant d).
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) lastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// MarkInitialized flips the initialized flag. Per §3 invariant (c) this transitions
// false → true exactly once; later calls are no-ops.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports the current value of the initialized flag.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Enqueue delivers msg immediately to every attached sink, or appends it to the FIFO
// queue if none is attached, per §4.3's Queue semantics. Every sink is tried; the
// first sink error is returned and later ones are dropped. Callers log and do not
// abort on it (§7 propagation policy: SSE errors are logged, not raised).
func (s *Session) Enqueue(msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sinks) == 0 {
		s.queue = append(s.queue, msg)
		return nil
	}

	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Attach registers sinkID's sink and atomically drains the current queue to it before
// returning, per §4.3: "the drain is atomic with respect to concurrent enqueues (no
// duplicates, no drops)". Holding the session lock across both the drain and the
// registration is what makes that true: a concurrent Enqueue either lands in the
// queue drained here, or observes the sink already registered and is delivered
// directly — never both, never neither.
func (s *Session) Attach(sinkID string, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, msg := range s.queue {
		if err := sink.Send(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.queue = nil
	s.sinks[sinkID] = sink
	return firstErr
}

// Detach removes sinkID's sink. Idempotent: detaching an already-absent sink is a
// no-op, per §4.3.
func (s *Session) Detach(sinkID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sinks, sinkID)
}

func (s *Session) sinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sinks)
}

func (s *Session) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Session) closeAllSinks(logger *slog.Logger) {
	s.mu.Lock()
	sinks := s.sinks
	s.sinks = make(map[string]Sink)
	s.mu.Unlock()

	for id, sink := range sinks {
		if closer, ok := sink.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("error closing sse sink on destroy", slog.String("sink", id), slog.Any("err", err))
			}
		}
	}
}

// EventKind distinguishes Registry-observable occurrences.
type EventKind int

// EventSessionDestroyed is emitted whenever a session is torn down, for any reason;
// the Proxy Core observes it and kills the bound subprocess (§4.3 Destruction).
const EventSessionDestroyed EventKind = iota

// Event is one registry-observable occurrence.
type Event struct {
	Kind      EventKind
	SessionID string
	HandleID  string
}

// Stats are the aggregate counters exposed by the /stats collaborator (§4.3
// Statistics).
type Stats struct {
	Total               int
	Initialized         int
	ActiveLast60Seconds int
	AttachedSSE         int
	AverageQueueLength  float64
	OldestCreatedAt     time.Time
	NewestCreatedAt     time.Time
}

// Registry is the Session Registry (§4.3).
type Registry struct {
	logger      *slog.Logger
	timeout     time.Duration
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*Session
	byHandle map[string]string

	events chan Event
	done   chan struct{}
}

// New creates a Registry. timeout is sessionTimeout (§6); maxSessions bounds live
// sessions (§4.3 Allocation).
func New(logger *slog.Logger, timeout time.Duration, maxSessions int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		timeout:     timeout,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		byHandle:    make(map[string]string),
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}
}

// Events returns the channel of session lifecycle occurrences.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// ErrResourceExhausted is returned by Create when maxSessions is reached even after
// sweeping expired sessions, per §4.3's Exceeds-limit policy.
var ErrResourceExhausted = fmt.Errorf("session: resource exhausted")

// Create allocates a new session for serverName. Its subprocess handle id is not yet
// known at this point (conventionally it is derived from the session id itself, e.g.
// "session-<id>"), so the caller binds it afterward with BindHandle once the
// subprocess has actually been spawned.
func (r *Registry) Create(serverName string) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		r.sweep()
		r.mu.Lock()
		if len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return nil, ErrResourceExhausted
		}
	}

	id := uuid.New().String()
	sess := newSession(id, "", serverName)
	r.sessions[id] = sess
	r.mu.Unlock()

	return sess, nil
}

// BindHandle records the subprocess handle id backing sess, after a successful spawn,
// so that GetByHandle can route a stdout line back to this session.
func (r *Registry) BindHandle(sess *Session, handleID string) {
	sess.mu.Lock()
	sess.HandleID = handleID
	sess.mu.Unlock()

	r.mu.Lock()
	r.byHandle[handleID] = sess.ID
	r.mu.Unlock()
}

// Get returns the session for id, lazily evicting it if expired and otherwise
// refreshing its activity clock, per §4.3's Activity clock contract.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	if time.Since(sess.lastActivityAt()) > r.timeout {
		r.Destroy(id)
		return nil, false
	}

	sess.Touch()
	return sess, true
}

// GetByHandle resolves the session currently bound to handleID, used by the Proxy
// Core to route a subprocess's stdout line back to the right session.
func (r *Registry) GetByHandle(handleID string) (*Session, bool) {
	r.mu.Lock()
	id, ok := r.byHandle[handleID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Destroy tears down id: closes every attached sink, clears the queue, removes the
// registry entry, and emits session:destroyed. Safe to call more than once (§7
// Idempotence).
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	if r.byHandle[sess.HandleID] == id {
		delete(r.byHandle, sess.HandleID)
	}
	r.mu.Unlock()

	sess.closeAllSinks(r.logger)

	sess.mu.Lock()
	sess.queue = nil
	sess.mu.Unlock()

	select {
	case r.events <- Event{Kind: EventSessionDestroyed, SessionID: id, HandleID: sess.HandleID}:
	case <-r.done:
	}
}

// DestroyAll destroys every live session, per §5's shutdown contract: destroying a
// session closes its attached SSE streams and emits session:destroyed, which the Proxy
// Core observes to kill the bound subprocess, so this is how shutdown tears down
// subprocesses rather than killing them directly through the supervisor.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Destroy(id)
	}
}

// Stats computes the aggregate counters for the /stats collaborator.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st := Stats{Total: len(sessions)}
	now := time.Now()
	var queueSum int
	for i, s := range sessions {
		if s.Initialized() {
			st.Initialized++
		}
		if now.Sub(s.lastActivityAt()) <= 60*time.Second {
			st.ActiveLast60Seconds++
		}
		st.AttachedSSE += s.sinkCount()
		queueSum += s.queueLen()

		if i == 0 || s.CreatedAt.Before(st.OldestCreatedAt) {
			st.OldestCreatedAt = s.CreatedAt
		}
		if i == 0 || s.CreatedAt.After(st.NewestCreatedAt) {
			st.NewestCreatedAt = s.CreatedAt
		}
	}
	if len(sessions) > 0 {
		st.AverageQueueLength = float64(queueSum) / float64(len(sessions))
	}
	return st
}

// sweep destroys every session expired relative to timeout, per §4.3's periodic
// sweeper and the Allocation path's "sweep then fail" policy.
func (r *Registry) sweep() {
	r.mu.Lock()
	expired := make([]string, 0)
	now := time.Now()
	for id, s := range r.sessions {
		if now.Sub(s.lastActivityAt()) > r.timeout {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.Destroy(id)
	}
}

// sweepInterval is min(60s, timeout/2), per §4.3.
func (r *Registry) sweepInterval() time.Duration {
	interval := 60 * time.Second
	if half := r.timeout / 2; half < interval {
		interval = half
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// RunSweeper runs the periodic expiry sweeper until stop is closed. Intended to be
// started once, in its own goroutine, by the entrypoint.
func (r *Registry) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(r.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			close(r.done)
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// ServerConfigFor is a convenience used by the Proxy Core to look up which
// config.ServerConfig backs a session's server name.
func ServerConfigFor(servers []config.ServerConfig, name string) (config.ServerConfig, bool) {
	for _, s := range servers {
		if s.Name == name {
			return s, true
		}
	}
	return config.ServerConfig{}, false
}
