package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/Dhairya10/primed-api/internal/agent"
	"github.com/Dhairya10/primed-api/internal/config"
	"github.com/Dhairya10/primed-api/internal/feedback"
	"github.com/Dhairya10/primed-api/internal/logging"
	"github.com/Dhairya10/primed-api/internal/models"
	"github.com/Dhairya10/primed-api/internal/store"
	"github.com/Dhairya10/primed-api/internal/voice"
)

// finalGraceDelay gives the agent runtime a beat to finish internal
// cleanup before the input stream is torn down for good.
const finalGraceDelay = 100 * time.Millisecond

// sessionStore is the slice of the persistence layer the voice endpoint
// needs.
type sessionStore interface {
	GetDrillSession(ctx context.Context, sessionID uuid.UUID) (*models.DrillSession, error)
	GetDrill(ctx context.Context, drillID uuid.UUID) (*models.Drill, error)
	CompleteSession(ctx context.Context, sessionID uuid.UUID, update models.SessionUpdate) error
}

// resultOutbox receives session results whose write failed.
type resultOutbox interface {
	Put(sessionID uuid.UUID, update models.SessionUpdate)
}

// feedbackScheduler accepts evaluation jobs.
type feedbackScheduler interface {
	Enqueue(job feedback.Job) bool
}

// VoiceHandler owns the realtime drill endpoint: it bridges the browser
// WebSocket to the agent session and runs the finalization sequence.
type VoiceHandler struct {
	cfg      *config.Config
	registry *voice.Registry
	store    sessionStore
	outbox   resultOutbox
	feedback feedbackScheduler
}

func NewVoiceHandler(cfg *config.Config, registry *voice.Registry, st sessionStore, ob resultOutbox, fb feedbackScheduler) *VoiceHandler {
	return &VoiceHandler{
		cfg:      cfg,
		registry: registry,
		store:    st,
		outbox:   ob,
		feedback: fb,
	}
}

// frameSender delivers server frames to the drill client.
type frameSender interface {
	send(msg models.ServerMessage)
}

// clientConn serializes writes to the browser socket. The downstream pump,
// the upstream pump's error replies, and the finalizer all write to it.
type clientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *clientConn) send(msg models.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("⚠️ Failed to send %s frame: %v", msg.Type, err)
	}
}

// Handle runs one voice drill session over an upgraded WebSocket.
//
// Protocol with the browser:
//   - binary frames carry raw PCM audio (16-bit, 16 kHz, mono)
//   - text frames carry JSON control messages
func (h *VoiceHandler) Handle(c *websocket.Conn) {
	client := &clientConn{conn: c}

	sessionID, err := uuid.Parse(c.Params("session_id"))
	if err != nil {
		client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "invalid_session_id", Message: "Invalid session id"})
		return
	}
	userID, err := uuid.Parse(localString(c, "user_id"))
	if err != nil {
		client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "unauthorized", Message: "Invalid user identity"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	drill, setupErr := h.validateSession(ctx, sessionID, userID)
	cancel()
	if setupErr != nil {
		client.send(models.ServerMessage{Type: models.ServerMsgError, Code: setupErr.code, Message: setupErr.message})
		return
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	live, err := agent.Dial(dialCtx, agent.Config{
		APIKey:      h.cfg.GoogleAPIKey,
		Model:       h.cfg.GeminiLiveModel,
		Voice:       h.cfg.GeminiLiveVoice,
		Instruction: agent.BuildInstruction(drill),
	})
	cancelDial()
	if err != nil {
		log.Printf("❌ Agent dial failed for session %s: %v", sessionID, err)
		client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "agent_unavailable", Message: "Could not start the voice agent"})
		return
	}

	session, err := h.registry.Create(sessionID, userID, drill.ID, live)
	if err != nil {
		live.Close()
		if errors.Is(err, voice.ErrSessionLimitReached) {
			client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "session_limit_reached", Message: "Too many active sessions, try again shortly"})
		} else {
			client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "session_create_failed", Message: "Could not create the voice session"})
		}
		return
	}

	sessionLog := logging.WithSession(sessionID.String(), userID.String(), drill.ID.String())
	sessionLog.Info("voice session started", "drill_title", drill.Title, "discipline", drill.Discipline)

	timers := voice.StartTimers(session, h.cfg.VoiceMaxDuration, h.cfg.WarningOffset())

	// Make the agent speak first.
	if err := live.SendText(agent.SessionReadyMarker); err != nil {
		log.Printf("⚠️ Failed to send ready marker for session %s: %v", sessionID, err)
	}

	var endedByAgent atomic.Bool

	h.runPumps(func() { h.upstreamPump(c, client, session) }, client, session, live.Events(), &endedByAgent)

	h.finalize(client, session, timers, endedByAgent.Load())
	sessionLog.Info("voice session closed", "ended_by_agent", endedByAgent.Load())
}

// runPumps races the two pumps and returns only after the downstream pump
// has fully drained. The downstream pump is the sole writer of transcript
// state, so the finalizer must not read it until that goroutine is done:
// closing the agent input ends the event stream, which unblocks the pump
// and lets it consume any buffered events first. The upstream reader may
// stay blocked on the client socket; it never touches transcript state and
// exits once the handler returns and the socket closes.
func (h *VoiceHandler) runPumps(readClient func(), client frameSender, session *voice.Session, events <-chan voice.Event, endedByAgent *atomic.Bool) {
	upstreamDone := make(chan struct{})
	downstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		readClient()
	}()
	go func() {
		defer close(downstreamDone)
		h.downstreamPump(client, session, events, endedByAgent)
	}()

	select {
	case <-upstreamDone:
	case <-downstreamDone:
	}

	session.Deactivate()
	session.CloseInput()
	<-downstreamDone
}

type setupError struct {
	code    string
	message string
}

// validateSession checks ownership and state, and loads the drill.
func (h *VoiceHandler) validateSession(ctx context.Context, sessionID, userID uuid.UUID) (*models.Drill, *setupError) {
	ds, err := h.store.GetDrillSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &setupError{"session_not_found", "Drill session not found"}
	}
	if err != nil {
		log.Printf("❌ Failed to load session %s: %v", sessionID, err)
		return nil, &setupError{"internal_error", "Could not load the drill session"}
	}
	if ds.UserID != userID {
		return nil, &setupError{"forbidden", "Not authorized to access this session"}
	}
	if ds.Status != models.SessionStatusInProgress {
		return nil, &setupError{"session_not_in_progress", "Session is not in progress"}
	}

	drill, err := h.store.GetDrill(ctx, ds.DrillID)
	if err != nil {
		log.Printf("❌ Failed to load drill %s: %v", ds.DrillID, err)
		return nil, &setupError{"drill_not_found", "Drill not found"}
	}
	return drill, nil
}

// upstreamPump forwards client frames to the agent until the session goes
// inactive or the socket closes.
func (h *VoiceHandler) upstreamPump(c *websocket.Conn, client frameSender, session *voice.Session) {
	for session.Active() {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			log.Printf("🔌 Client disconnected from session %s", session.SessionID)
			session.Deactivate()
			session.CloseInput()
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := session.Stream.SendAudio(data); err != nil {
				log.Printf("⚠️ Dropping audio for session %s: %v", session.SessionID, err)
			}

		case websocket.TextMessage:
			if stop := h.handleControlFrame(client, session, data); stop {
				return
			}
		}
	}
}

// handleControlFrame dispatches one JSON control message. Returns true when
// the session should stop. Malformed JSON gets an error frame but does not
// end the session.
func (h *VoiceHandler) handleControlFrame(client frameSender, session *voice.Session, data []byte) bool {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("⚠️ Invalid control message on session %s: %v", session.SessionID, err)
		client.send(models.ServerMessage{Type: models.ServerMsgError, Code: "invalid_format", Message: "Invalid message format"})
		return false
	}

	switch msg.Type {
	case models.ClientMsgEndSession:
		log.Printf("👋 Client ended session %s", session.SessionID)
		session.Deactivate()
		session.CloseInput()
		return true
	case models.ClientMsgTextInput:
		if err := session.Stream.SendText(msg.Text); err != nil {
			log.Printf("⚠️ Failed to forward text for session %s: %v", session.SessionID, err)
		}
	case models.ClientMsgSessionStart:
		log.Printf("▶️ Session start signal received for %s", session.SessionID)
	default:
		log.Printf("⚠️ Unknown control message type %q on session %s", msg.Type, session.SessionID)
	}
	return false
}

// downstreamPump forwards agent events to the client and the transcript
// buffers until the event stream ends or a fatal error arrives.
func (h *VoiceHandler) downstreamPump(client frameSender, session *voice.Session, events <-chan voice.Event, endedByAgent *atomic.Bool) {
	for event := range events {
		if session.ShouldTerminate() {
			return
		}

		switch event.Kind {
		case voice.EventError:
			session.MarkError(event.ErrorCode, event.ErrorMessage)
			client.send(models.ServerMessage{Type: models.ServerMsgError, Code: event.ErrorCode, Message: event.ErrorMessage})
			return

		case voice.EventUsage:
			session.AddTokens(event.TotalTokens)

		case voice.EventAudio:
			client.send(models.ServerMessage{
				Type:     models.ServerMsgAudio,
				Data:     base64.StdEncoding.EncodeToString(event.Audio),
				MIMEType: event.MIMEType,
			})

		case voice.EventInputTranscript:
			session.AddInputTranscription(event.Text, event.Finished)
			finished := event.Finished
			client.send(models.ServerMessage{Type: models.ServerMsgInputTranscript, Text: event.Text, Finished: &finished})

		case voice.EventOutputTranscript:
			session.AddOutputTranscription(event.Text, event.Finished)
			finished := event.Finished
			client.send(models.ServerMessage{Type: models.ServerMsgOutputTranscript, Text: event.Text, Finished: &finished})

		case voice.EventTurnComplete:
			client.send(models.ServerMessage{Type: models.ServerMsgTurnComplete})

		case voice.EventInterrupted:
			client.send(models.ServerMessage{Type: models.ServerMsgInterrupted})

		case voice.EventToolResult:
			if event.ToolName == "end_interview" {
				log.Printf("🏁 Agent ended session %s", session.SessionID)
				endedByAgent.Store(true)
				session.Deactivate()
				session.CloseInput()
				return
			}
		}
	}
}

// finalize runs the guaranteed teardown sequence exactly once per
// connection: stop timers, pop the session, persist, maybe schedule
// feedback, notify the client, then close the agent input after a short
// grace period.
func (h *VoiceHandler) finalize(client frameSender, session *voice.Session, timers *voice.Timers, endedByAgent bool) {
	timers.Stop()

	result, err := h.registry.End(session.SessionID)
	if errors.Is(err, voice.ErrSessionNotFound) {
		// A reconnect superseded this connection; the newer one owns the
		// session now.
		log.Printf("♻️ Session %s already finalized or superseded", session.SessionID)
		return
	}
	if err != nil {
		log.Printf("❌ Failed to end session %s: %v", session.SessionID, err)
		return
	}

	voice.MetricSessionsTotal.WithLabelValues(h.endReason(session, endedByAgent, result)).Inc()

	h.persistResult(session, result)

	feedbackScheduled := false
	if result.DurationSeconds >= h.cfg.MinFeedbackDurationSec {
		feedbackScheduled = h.feedback.Enqueue(feedback.Job{
			SessionID:  session.SessionID,
			DrillID:    session.DrillID,
			UserID:     session.UserID,
			Transcript: result.TranscriptText,
		})
	}

	transcriptLength := len(result.TranscriptText)
	client.send(models.ServerMessage{
		Type:              models.ServerMsgSessionEnd,
		DurationSeconds:   &result.DurationSeconds,
		TranscriptLength:  &transcriptLength,
		FeedbackScheduled: &feedbackScheduled,
		EndedByAgent:      &endedByAgent,
	})

	time.Sleep(finalGraceDelay)
	session.CloseInput()
}

func (h *VoiceHandler) endReason(session *voice.Session, endedByAgent bool, result *voice.Result) string {
	switch {
	case session.ShouldTerminate():
		return voice.EndReasonError
	case endedByAgent:
		return voice.EndReasonAgent
	case result.DurationSeconds >= int(h.cfg.VoiceMaxDuration.Seconds()):
		return voice.EndReasonTimeout
	default:
		return voice.EndReasonClient
	}
}

// persistResult writes the completed session; on failure the result goes to
// the outbox for retry instead of being lost.
func (h *VoiceHandler) persistResult(session *voice.Session, result *voice.Result) {
	transcriptJSON, err := result.TranscriptJSON()
	if err != nil {
		log.Printf("❌ Failed to marshal transcript for session %s: %v", session.SessionID, err)
		transcriptJSON = json.RawMessage("[]")
	}

	update := models.SessionUpdate{
		Status:          models.SessionStatusCompleted,
		CompletedAt:     time.Now().UTC(),
		DurationSeconds: result.DurationSeconds,
		TranscriptJSON:  transcriptJSON,
		Metadata: map[string]any{
			"voice": map[string]any{
				"model":       h.cfg.GeminiLiveModel,
				"tokens_used": result.TokenUsage,
			},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.CompleteSession(ctx, session.SessionID, update); err != nil {
		log.Printf("⚠️ Failed to persist session %s, queuing for retry: %v", session.SessionID, err)
		h.outbox.Put(session.SessionID, update)
	}
}

func localString(c *websocket.Conn, key string) string {
	s, _ := c.Locals(key).(string)
	return s
}
