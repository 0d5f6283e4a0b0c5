package models

// ClientMessage is a JSON control frame received from the drill client.
// Binary frames (raw PCM audio) bypass this type entirely.
type ClientMessage struct {
	Type string `json:"type"` // end_session, text_input, session_start
	Text string `json:"text,omitempty"`
}

// Client control message types
const (
	ClientMsgEndSession   = "end_session"
	ClientMsgTextInput    = "text_input"
	ClientMsgSessionStart = "session_start"
)

// ServerMessage is a JSON frame sent to the drill client.
type ServerMessage struct {
	Type string `json:"type"`

	// audio
	Data     string `json:"data,omitempty"` // base64 PCM
	MIMEType string `json:"mime_type,omitempty"`

	// input_transcript / output_transcript
	Text     string `json:"text,omitempty"`
	Finished *bool  `json:"finished,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// session_end
	DurationSeconds   *int  `json:"duration_seconds,omitempty"`
	TranscriptLength  *int  `json:"transcript_length,omitempty"`
	FeedbackScheduled *bool `json:"feedback_scheduled,omitempty"`
	EndedByAgent      *bool `json:"ended_by_agent,omitempty"`
}

// Server frame types
const (
	ServerMsgAudio            = "audio"
	ServerMsgInputTranscript  = "input_transcript"
	ServerMsgOutputTranscript = "output_transcript"
	ServerMsgTurnComplete     = "turn_complete"
	ServerMsgInterrupted      = "interrupted"
	ServerMsgError            = "error"
	ServerMsgSessionEnd       = "session_end"
)
