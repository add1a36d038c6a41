package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deckhand-sh/deckhand/internal/logutil"
)

// ErrAlreadyConnected is returned when a channel session that already holds
// an SSH session asks for another one.
var ErrAlreadyConnected = errors.New("session already connected")

// eventBacklog is how many lifecycle events the registry retains.
const eventBacklog = 100

// EventKind classifies a lifecycle event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Event records one session lifecycle transition.
type Event struct {
	SessionID string    `json:"sessionId"`
	Host      string    `json:"host"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Registry is the table of live SSH sessions, keyed by channel session ID.
// It enforces one SSH session per channel session and keeps a bounded
// backlog of lifecycle events.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	evMu   sync.Mutex
	events []Event
	notify func(Event)
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// OnEvent registers the callback invoked for every lifecycle event. At most
// one callback is supported; later calls replace earlier ones.
func (r *Registry) OnEvent(fn func(Event)) {
	r.evMu.Lock()
	r.notify = fn
	r.evMu.Unlock()
}

// Connect dials a target machine and binds the session to sessionID. It
// fails without dialing when the session already holds a connection.
func (r *Registry) Connect(ctx context.Context, sessionID string, p Params) (*Session, error) {
	r.mu.RLock()
	_, dup := r.sessions[sessionID]
	r.mu.RUnlock()
	if dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, sessionID)
	}

	s, err := Dial(ctx, sessionID, p)
	if err != nil {
		return nil, err
	}
	if err := r.Put(s); err != nil {
		s.Disconnect()
		return nil, err
	}
	return s, nil
}

// Put registers an already dialed session. The registry takes over its
// lifecycle: when the session closes for any reason it is removed from the
// table and a disconnected event is recorded.
func (r *Registry) Put(s *Session) error {
	r.mu.Lock()
	if _, dup := r.sessions[s.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, s.ID)
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	s.setOnClose(r.dropClosed)
	if s.Closed() {
		// Died between dial and registration; the close callback was not
		// wired yet, so unregister here.
		r.dropClosed(s, s.CloseReason())
		return fmt.Errorf("register %s: %w", s.ID, ErrSessionClosed)
	}

	r.record(Event{SessionID: s.ID, Host: s.Host, Kind: EventConnected, At: time.Now()})
	return nil
}

// Get returns the session bound to sessionID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove disconnects and unregisters the session bound to sessionID.
// Removing an unknown session is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		log.Printf("[registry] remove: no session for %s", logutil.SanitizeForLog(sessionID))
		return
	}
	s.Disconnect()
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach calls fn for a snapshot of the current sessions.
func (r *Registry) ForEach(fn func(s *Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// SweepIdle disconnects sessions that have seen no activity for longer than
// ttl and reports how many were closed.
func (r *Registry) SweepIdle(ttl time.Duration) int {
	var idle []*Session
	r.ForEach(func(s *Session) {
		if s.IdleFor() > ttl {
			idle = append(idle, s)
		}
	})
	for _, s := range idle {
		log.Printf("[registry] %s: idle for %s, disconnecting", logutil.SanitizeForLog(s.ID), s.IdleFor().Round(time.Second))
		s.closeWith("idle timeout")
	}
	return len(idle)
}

// CloseAll disconnects every session. Used during shutdown.
func (r *Registry) CloseAll() {
	n := r.Count()
	r.ForEach(func(s *Session) { s.closeWith("gateway shutting down") })
	if n > 0 {
		log.Printf("[registry] closed all %d session(s)", n)
	}
}

// Events returns a copy of the retained lifecycle events, oldest first.
func (r *Registry) Events() []Event {
	r.evMu.Lock()
	defer r.evMu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Registry) dropClosed(s *Session, reason string) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, s.ID)
	r.mu.Unlock()

	r.record(Event{SessionID: s.ID, Host: s.Host, Kind: EventDisconnected, Detail: reason, At: time.Now()})
}

func (r *Registry) record(ev Event) {
	r.evMu.Lock()
	r.events = append(r.events, ev)
	if len(r.events) > eventBacklog {
		r.events = r.events[len(r.events)-eventBacklog:]
	}
	notify := r.notify
	r.evMu.Unlock()
	if notify != nil {
		notify(ev)
	}
}
