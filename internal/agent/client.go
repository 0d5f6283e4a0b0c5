// Package agent is the Gemini Live client for voice drill sessions. It
// speaks the BidiGenerateContent WebSocket protocol and surfaces the server
// stream as an ordered channel of voice events.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/Dhairya10/primed-api/internal/voice"
)

const (
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	liveEndpoint   = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	inputMIMEType = "audio/pcm;rate=16000"

	keepaliveInterval = 20 * time.Second
	writeTimeout      = 10 * time.Second
	handshakeTimeout  = 10 * time.Second

	audioQueueSize   = 64
	controlQueueSize = 16
	eventQueueSize   = 128

	// Audio chunks arrive from the browser roughly every 20-100ms; allow
	// bursts but cap sustained throughput so a misbehaving client cannot
	// flood the upstream link.
	audioWritesPerSecond = 50
	audioWriteBurst      = 20
)

var metricAudioDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agent_audio_frames_dropped_total",
	Help: "Outbound audio frames dropped because the agent link was backed up.",
})

// Config carries everything needed to open a live session.
type Config struct {
	APIKey      string
	Model       string
	Voice       string
	Instruction string

	// BaseURL overrides the Gemini endpoint. Used by tests to point at a
	// local server.
	BaseURL string
}

// LiveClient is one live bidirectional session with the agent.
//
// Writes are funneled through a single write loop: audio goes into a
// bounded queue that drops the oldest frame when full (stale audio is
// worthless), control messages go into a separate queue that is never
// dropped and is drained first. Reads run in a receive loop that owns and
// eventually closes Events.
type LiveClient struct {
	conn *websocket.Conn

	events     chan voice.Event
	audioOut   chan []byte
	controlOut chan []byte

	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial opens the WebSocket, sends the setup message, and starts the read,
// write, and keepalive loops. The returned client is ready for audio; the
// caller injects the session-ready primer to make the agent speak first.
func Dial(ctx context.Context, cfg Config) (*LiveClient, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf("%s/%s?key=%s", baseURL, liveEndpoint, cfg.APIKey)

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("agent: dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &LiveClient{
		conn:       conn,
		events:     make(chan voice.Event, eventQueueSize),
		audioOut:   make(chan []byte, audioQueueSize),
		controlOut: make(chan []byte, controlQueueSize),
		limiter:    rate.NewLimiter(rate.Limit(audioWritesPerSecond), audioWriteBurst),
		ctx:        clientCtx,
		cancel:     cancel,
	}

	if err := c.sendSetup(cfg); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("agent: setup: %w", err)
	}

	go c.receiveLoop()
	go c.writeLoop()
	go c.keepaliveLoop()

	return c, nil
}

func (c *LiveClient) sendSetup(cfg Config) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			Tools:                    []tool{{FunctionDeclarations: []functionDeclaration{endInterviewDeclaration()}}},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if cfg.Instruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{Parts: []part{{Text: cfg.Instruction}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Events is the ordered server event stream. Closed when the session ends.
func (c *LiveClient) Events() <-chan voice.Event { return c.events }

// SendAudio queues a raw PCM chunk (16 kHz, s16le, mono) for the agent.
// When the queue is full the oldest queued frame is dropped.
func (c *LiveClient) SendAudio(pcm []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("agent: session closed")
	}

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: inputMIMEType, Data: base64.StdEncoding.EncodeToString(pcm)},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agent: marshal audio: %w", err)
	}

	select {
	case c.audioOut <- data:
		return nil
	default:
	}
	// Queue full: make room by discarding the oldest frame.
	select {
	case <-c.audioOut:
		metricAudioDropped.Inc()
	default:
	}
	select {
	case c.audioOut <- data:
	default:
		metricAudioDropped.Inc()
	}
	return nil
}

// SendText queues a user text turn. Text turns are control traffic and are
// never dropped.
func (c *LiveClient) SendText(text string) error {
	if c.closed.Load() {
		return fmt.Errorf("agent: session closed")
	}

	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	return c.queueControl(msg)
}

func (c *LiveClient) queueControl(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("agent: marshal: %w", err)
	}
	select {
	case c.controlOut <- data:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("agent: session closed")
	}
}

// Close tears the session down. Idempotent; safe from any goroutine.
func (c *LiveClient) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"), deadline)
		c.conn.Close()
	})
	return nil
}

func (c *LiveClient) writeLoop() {
	write := func(data []byte) bool {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			if !c.closed.Load() {
				log.Printf("⚠️ Agent write failed: %v", err)
			}
			return false
		}
		return true
	}

	for {
		// Drain control traffic before touching audio.
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.controlOut:
			if !write(data) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.ctx.Done():
			return
		case data := <-c.controlOut:
			if !write(data) {
				return
			}
		case data := <-c.audioOut:
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			if !write(data) {
				return
			}
		}
	}
}

func (c *LiveClient) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			c.conn.WriteControl(websocket.PingMessage, nil, deadline)
		}
	}
}

// receiveLoop reads server frames, translates them to events, and closes
// the event channel on exit. An unexpected read error while the session is
// still open surfaces as a fatal error event.
func (c *LiveClient) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.emit(voice.Event{
					Kind:         voice.EventError,
					ErrorCode:    "agent_connection",
					ErrorMessage: err.Error(),
				})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("⚠️ Skipping malformed agent frame: %v", err)
			continue
		}
		if !c.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage translates one frame. Returns false when the stream
// should stop (fatal error).
func (c *LiveClient) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		c.emit(voice.Event{
			Kind:         voice.EventError,
			ErrorCode:    errorCode(msg.Error),
			ErrorMessage: msg.Error.Message,
		})
		return false
	}

	if msg.UsageMetadata != nil && msg.UsageMetadata.TotalTokenCount > 0 {
		c.emit(voice.Event{Kind: voice.EventUsage, TotalTokens: msg.UsageMetadata.TotalTokenCount})
	}

	if msg.ToolCall != nil {
		c.handleToolCall(msg.ToolCall)
	}

	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audio) == 0 {
					continue
				}
				c.emit(voice.Event{Kind: voice.EventAudio, Audio: audio, MIMEType: p.InlineData.MIMEType})
			}
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			c.emit(voice.Event{Kind: voice.EventInputTranscript, Text: t.Text, Finished: t.Finished})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			c.emit(voice.Event{Kind: voice.EventOutputTranscript, Text: t.Text, Finished: t.Finished})
		}
		if sc.Interrupted {
			c.emit(voice.Event{Kind: voice.EventInterrupted})
		}
		if sc.TurnComplete {
			c.emit(voice.Event{Kind: voice.EventTurnComplete})
		}
	}

	return true
}

func (c *LiveClient) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		resp := map[string]any{}
		switch fc.Name {
		case endInterviewTool:
			summary := strings.TrimSpace(asString(fc.Args["summary"]))
			if summary == "" {
				summary = "Interview completed."
			}
			resp["output"] = "Interview ended successfully. Summary: " + summary
		default:
			resp["error"] = fmt.Sprintf("unknown tool %q", fc.Name)
		}

		reply := toolResponseMessage{
			ToolResponse: toolResponse{
				FunctionResponses: []functionResponse{{ID: fc.ID, Name: fc.Name, Response: resp}},
			},
		}
		if err := c.queueControl(reply); err != nil {
			log.Printf("⚠️ Failed to queue tool response for %s: %v", fc.Name, err)
		}

		c.emit(voice.Event{Kind: voice.EventToolResult, ToolName: fc.Name})
	}
}

func (c *LiveClient) emit(e voice.Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func errorCode(e *apiError) string {
	if e.Status == "RESOURCE_EXHAUSTED" || e.Code == 429 {
		return "quota_exceeded"
	}
	return "agent_error"
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
