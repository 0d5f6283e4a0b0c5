package voice

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the registry.
var (
	ErrSessionLimitReached = errors.New("voice session limit reached")
	ErrSessionNotFound     = errors.New("voice session not found")
)

// Registry is the admission controller for live voice sessions: a bounded
// map of session id → session, serialized under one mutex so concurrent
// WebSocket connects cannot race on capacity accounting.
type Registry struct {
	mu            sync.Mutex
	sessions      map[uuid.UUID]*Session
	maxConcurrent int
}

// NewRegistry creates a registry admitting at most maxConcurrent sessions.
func NewRegistry(maxConcurrent int) *Registry {
	return &Registry{
		sessions:      make(map[uuid.UUID]*Session),
		maxConcurrent: maxConcurrent,
	}
}

// Create admits a new session. A stale entry under the same id (an
// abandoned reconnect) is evicted first: its input stream is closed and it
// is deactivated, so reconnect supersedes. When the registry is at
// capacity, Create fails with ErrSessionLimitReached and nothing is
// registered.
func (r *Registry) Create(sessionID, userID, drillID uuid.UUID, stream AgentStream) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[sessionID]; ok {
		log.Printf("⚠️ Session %s already exists, cleaning up before creating new session", sessionID)
		delete(r.sessions, sessionID)
		existing.Deactivate()
		existing.CloseInput()
	}

	if len(r.sessions) >= r.maxConcurrent {
		return nil, ErrSessionLimitReached
	}

	session := NewSession(sessionID, userID, drillID, stream)
	r.sessions[sessionID] = session
	log.Printf("✅ Created voice session %s (active: %d)", sessionID, len(r.sessions))

	metricSessionsActive.Set(float64(len(r.sessions)))
	return session, nil
}

// End atomically pops the session and assembles its result: buffers are
// drained into turns, turns are sorted by timestamp, and duration is
// computed from the session start. Calling End twice for an id fails with
// ErrSessionNotFound; the finalizer owns the only call site.
func (r *Registry) End(sessionID uuid.UUID) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(r.sessions, sessionID)

	session.Deactivate()
	session.CloseInput()

	turns := session.assembleTranscript()
	duration := int(time.Now().UTC().Sub(session.StartedAt).Seconds())

	log.Printf("✅ Ended voice session %s, duration: %ds (active: %d)", sessionID, duration, len(r.sessions))

	metricSessionsActive.Set(float64(len(r.sessions)))
	metricSessionDuration.Observe(float64(duration))

	return &Result{
		Turns:           turns,
		TranscriptText:  FormatTranscriptText(turns),
		DurationSeconds: duration,
		TokenUsage:      session.TotalTokens(),
	}, nil
}

// Get returns the live session for id, or nil.
func (r *Registry) Get(sessionID uuid.UUID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll deactivates every live session. Used on shutdown: deactivation
// makes the pumps exit, and each connection's finalizer then runs its
// normal End path.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, session := range r.sessions {
		log.Printf("🛑 Deactivating voice session %s for shutdown", id)
		session.Deactivate()
		session.CloseInput()
	}
}
