package voice

import (
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AgentStream is the input half of the realtime link to the voice agent.
// It is owned by the session and closed exactly once during finalization
// (implementations must make Close idempotent).
type AgentStream interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	Close() error
}

// Turn is one finalized utterance with its flush timestamp.
type Turn struct {
	Role      string    `json:"role"` // user or assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the mutable state for one active voice drill session.
//
// Concurrency: turns and the transcript buffers are written only by the
// downstream pump, so they carry no lock. The active flag is flipped by
// several tasks (upstream pump, timers, registry eviction) and therefore
// uses an atomic with a compare-and-swap so the true→false transition
// happens exactly once. Error flags are written by the downstream pump
// and read after it has returned.
type Session struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	DrillID   uuid.UUID
	StartedAt time.Time

	Stream AgentStream

	turns        []Turn
	inputBuffer  strings.Builder
	outputBuffer strings.Builder

	active atomic.Bool

	shouldTerminate bool
	errorCode       string
	errorMessage    string

	totalTokens int

	closeOnce sync.Once
}

// NewSession constructs an active session. Callers go through
// Registry.Create; this is exported for tests.
func NewSession(sessionID, userID, drillID uuid.UUID, stream AgentStream) *Session {
	s := &Session{
		SessionID: sessionID,
		UserID:    userID,
		DrillID:   drillID,
		StartedAt: time.Now().UTC(),
		Stream:    stream,
	}
	s.active.Store(true)
	return s
}

// Active reports whether the session is still live.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Deactivate flips the session inactive. It returns true only for the
// caller that performed the transition, so exactly-once cleanup can hang
// off the return value.
func (s *Session) Deactivate() bool {
	return s.active.CompareAndSwap(true, false)
}

// CloseInput closes the agent input stream exactly once.
func (s *Session) CloseInput() {
	s.closeOnce.Do(func() {
		if err := s.Stream.Close(); err != nil {
			log.Printf("⚠️ Failed to close agent input stream for %s: %v", s.SessionID, err)
		}
	})
}

// MarkError records a fatal agent error. The downstream pump stops
// forwarding after this is set.
func (s *Session) MarkError(code, message string) {
	s.shouldTerminate = true
	s.errorCode = code
	s.errorMessage = message
}

// ShouldTerminate reports whether a fatal agent error was recorded.
func (s *Session) ShouldTerminate() bool {
	return s.shouldTerminate
}

// ErrorInfo returns the recorded agent error, if any.
func (s *Session) ErrorInfo() (code, message string) {
	return s.errorCode, s.errorMessage
}

// AddTokens accumulates usage reported by the agent.
func (s *Session) AddTokens(n int) {
	if n > 0 {
		s.totalTokens += n
	}
}

// TotalTokens returns the accumulated token usage.
func (s *Session) TotalTokens() int {
	return s.totalTokens
}

// AddInputTranscription accumulates a user-speech transcription delta and
// finalizes the buffered text into a turn when the agent marks it finished.
func (s *Session) AddInputTranscription(text string, finished bool) {
	if text == "" {
		return
	}
	s.inputBuffer.WriteString(text)
	if finished {
		s.flushBuffer(&s.inputBuffer, "user")
	}
}

// AddOutputTranscription accumulates an agent-speech transcription delta and
// finalizes the buffered text into a turn when the agent marks it finished.
func (s *Session) AddOutputTranscription(text string, finished bool) {
	if text == "" {
		return
	}
	s.outputBuffer.WriteString(text)
	if finished {
		s.flushBuffer(&s.outputBuffer, "assistant")
	}
}

func (s *Session) flushBuffer(buf *strings.Builder, role string) {
	text := strings.TrimSpace(buf.String())
	buf.Reset()
	if text == "" {
		return
	}
	s.turns = append(s.turns, Turn{
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

// assembleTranscript drains any in-flight buffers into turns (no finished
// signal arrives on abrupt termination) and returns the turns sorted by
// timestamp. Input and output deltas interleave, so append order is not
// chronological order.
func (s *Session) assembleTranscript() []Turn {
	s.flushBuffer(&s.inputBuffer, "user")
	s.flushBuffer(&s.outputBuffer, "assistant")

	sort.SliceStable(s.turns, func(i, j int) bool {
		return s.turns[i].Timestamp.Before(s.turns[j].Timestamp)
	})
	return s.turns
}

// FormatTranscriptText renders turns as role-prefixed lines for the
// feedback evaluator.
func FormatTranscriptText(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		if turn.Text == "" {
			continue
		}
		role := "Interviewer"
		if turn.Role == "user" {
			role = "Candidate"
		}
		lines = append(lines, role+": "+turn.Text)
	}
	return strings.Join(lines, "\n\n")
}

// Result is the finalization artifact handed to the session store and the
// feedback evaluator. Built once, by Registry.End.
type Result struct {
	Turns           []Turn
	TranscriptText  string
	DurationSeconds int
	TokenUsage      int
}

// TranscriptJSON marshals the sorted turns for persistence.
func (r *Result) TranscriptJSON() (json.RawMessage, error) {
	if len(r.Turns) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(r.Turns)
}
