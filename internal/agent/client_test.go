package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Dhairya10/primed-api/internal/voice"
)

// fakeLiveServer accepts one WebSocket connection and exposes the raw frames
// it reads plus a way to push frames to the client.
type fakeLiveServer struct {
	t        *testing.T
	srv      *httptest.Server
	received chan []byte
	send     chan []byte
}

func newFakeLiveServer(t *testing.T) *fakeLiveServer {
	t.Helper()
	f := &fakeLiveServer{
		t:        t,
		received: make(chan []byte, 32),
		send:     make(chan []byte, 32),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		go func() {
			for data := range f.send {
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
			conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.received <- data
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeLiveServer) baseURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeLiveServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.received:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func (f *fakeLiveServer) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal server frame: %v", err)
	}
	f.send <- data
}

func dialTestClient(t *testing.T, f *fakeLiveServer) *LiveClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{
		APIKey:      "test-key",
		Model:       "gemini-2.5-flash-native-audio",
		Voice:       "Puck",
		Instruction: "You are an interviewer.",
		BaseURL:     f.baseURL(),
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *LiveClient) voice.Event {
	t.Helper()
	select {
	case e, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return voice.Event{}
	}
}

func TestDialSendsSetup(t *testing.T) {
	f := newFakeLiveServer(t)
	dialTestClient(t, f)

	var msg setupMessage
	if err := json.Unmarshal(f.next(t), &msg); err != nil {
		t.Fatalf("first frame is not a setup message: %v", err)
	}
	if msg.Setup.Model != "models/gemini-2.5-flash-native-audio" {
		t.Errorf("unexpected model: %q", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("unexpected response modalities: %v", got)
	}
	if msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Puck" {
		t.Error("voice not configured")
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription not enabled")
	}
	if len(msg.Setup.Tools) != 1 || msg.Setup.Tools[0].FunctionDeclarations[0].Name != endInterviewTool {
		t.Errorf("end_interview tool not declared: %+v", msg.Setup.Tools)
	}
}

func TestSendAudioEncodesChunk(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	pcm := []byte{1, 2, 3, 4}
	if err := c.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}

	var msg realtimeInputMessage
	if err := json.Unmarshal(f.next(t), &msg); err != nil {
		t.Fatalf("unexpected frame: %v", err)
	}
	chunk := msg.RealtimeInput.MediaChunks[0]
	if chunk.MIMEType != inputMIMEType {
		t.Errorf("unexpected mime type %q", chunk.MIMEType)
	}
	if chunk.Data != base64.StdEncoding.EncodeToString(pcm) {
		t.Errorf("audio not base64 encoded: %q", chunk.Data)
	}
}

func TestSendTextBuildsClientContent(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	if err := c.SendText("hello there"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	var msg clientContentMessage
	if err := json.Unmarshal(f.next(t), &msg); err != nil {
		t.Fatalf("unexpected frame: %v", err)
	}
	if !msg.ClientContent.TurnComplete {
		t.Error("text turn should be marked complete")
	}
	turn := msg.ClientContent.Turns[0]
	if turn.Role != "user" || turn.Parts[0].Text != "hello there" {
		t.Errorf("unexpected turn: %+v", turn)
	}
}

func TestServerContentTranslatesToEvents(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	audio := base64.StdEncoding.EncodeToString([]byte{9, 9, 9})
	f.push(t, map[string]any{
		"serverContent": map[string]any{
			"modelTurn": map[string]any{
				"parts": []map[string]any{
					{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": audio}},
				},
			},
			"outputTranscription": map[string]any{"text": "Hi, let's begin.", "finished": true},
		},
	})
	f.push(t, map[string]any{
		"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "sounds good", "finished": false},
			"turnComplete":       true,
		},
	})
	f.push(t, map[string]any{"usageMetadata": map[string]any{"totalTokenCount": 42}})

	e := nextEvent(t, c)
	if e.Kind != voice.EventAudio || len(e.Audio) != 3 || e.MIMEType != "audio/pcm;rate=24000" {
		t.Fatalf("expected audio event, got %+v", e)
	}
	e = nextEvent(t, c)
	if e.Kind != voice.EventOutputTranscript || e.Text != "Hi, let's begin." || !e.Finished {
		t.Fatalf("expected finished output transcript, got %+v", e)
	}
	e = nextEvent(t, c)
	if e.Kind != voice.EventInputTranscript || e.Text != "sounds good" || e.Finished {
		t.Fatalf("expected unfinished input transcript, got %+v", e)
	}
	e = nextEvent(t, c)
	if e.Kind != voice.EventTurnComplete {
		t.Fatalf("expected turn complete, got %+v", e)
	}
	e = nextEvent(t, c)
	if e.Kind != voice.EventUsage || e.TotalTokens != 42 {
		t.Fatalf("expected usage event, got %+v", e)
	}
}

func TestErrorFrameEndsStream(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	f.push(t, map[string]any{
		"error": map[string]any{"code": 429, "message": "quota exhausted", "status": "RESOURCE_EXHAUSTED"},
	})

	e := nextEvent(t, c)
	if e.Kind != voice.EventError {
		t.Fatalf("expected error event, got %+v", e)
	}
	if e.ErrorCode != "quota_exceeded" {
		t.Errorf("expected quota_exceeded, got %q", e.ErrorCode)
	}

	select {
	case _, ok := <-c.Events():
		if ok {
			t.Error("stream should end after a fatal error")
		}
	case <-time.After(2 * time.Second):
		t.Error("event channel not closed after fatal error")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	f.push(t, map[string]any{
		"toolCall": map[string]any{
			"functionCalls": []map[string]any{
				{"id": "call-1", "name": "end_interview", "args": map[string]any{"summary": "Covered pricing strategy."}},
			},
		},
	})

	e := nextEvent(t, c)
	if e.Kind != voice.EventToolResult || e.ToolName != "end_interview" {
		t.Fatalf("expected end_interview tool result, got %+v", e)
	}

	var reply toolResponseMessage
	if err := json.Unmarshal(f.next(t), &reply); err != nil {
		t.Fatalf("unexpected frame: %v", err)
	}
	fr := reply.ToolResponse.FunctionResponses[0]
	if fr.ID != "call-1" || fr.Name != "end_interview" {
		t.Errorf("unexpected function response: %+v", fr)
	}
	if out, _ := fr.Response["output"].(string); !strings.Contains(out, "Covered pricing strategy.") {
		t.Errorf("summary not echoed in response: %v", fr.Response)
	}
}

func TestMalformedServerFrameIsSkipped(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	f.send <- []byte("{not json")
	f.push(t, map[string]any{"serverContent": map[string]any{"turnComplete": true}})

	e := nextEvent(t, c)
	if e.Kind != voice.EventTurnComplete {
		t.Fatalf("expected turn complete after skipping junk, got %+v", e)
	}
}

func TestSendAudioDropsOldestWhenFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &LiveClient{
		events:   make(chan voice.Event, 1),
		audioOut: make(chan []byte, 2),
		ctx:      ctx,
		cancel:   cancel,
	}

	for i := 0; i < 3; i++ {
		if err := c.SendAudio([]byte{byte(i)}); err != nil {
			t.Fatalf("SendAudio %d failed: %v", i, err)
		}
	}
	if len(c.audioOut) != 2 {
		t.Fatalf("queue should stay at capacity, got %d", len(c.audioOut))
	}

	// Oldest frame (chunk 0) was dropped; head of queue is chunk 1.
	var msg realtimeInputMessage
	if err := json.Unmarshal(<-c.audioOut, &msg); err != nil {
		t.Fatalf("bad queued frame: %v", err)
	}
	want := base64.StdEncoding.EncodeToString([]byte{1})
	if got := msg.RealtimeInput.MediaChunks[0].Data; got != want {
		t.Errorf("head of queue = %q, want chunk 1 (%q)", got, want)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeLiveServer(t)
	c := dialTestClient(t, f)
	f.next(t) // setup

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := c.SendAudio([]byte{1}); err == nil {
		t.Error("SendAudio should fail after Close")
	}
	if err := c.SendText("hi"); err == nil {
		t.Error("SendText should fail after Close")
	}
}
