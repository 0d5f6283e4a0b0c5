package voice

// EventKind discriminates agent events. The downstream pump switches on it
// exhaustively; unknown kinds are a programming error, not a protocol state.
type EventKind int

const (
	EventError EventKind = iota
	EventUsage
	EventAudio
	EventInputTranscript
	EventOutputTranscript
	EventTurnComplete
	EventInterrupted
	EventToolResult
)

// Event is one item from the agent runtime's ordered event stream.
// Only the fields for the matching Kind are populated.
type Event struct {
	Kind EventKind

	// EventError
	ErrorCode    string
	ErrorMessage string

	// EventUsage
	TotalTokens int

	// EventAudio
	Audio    []byte
	MIMEType string

	// EventInputTranscript / EventOutputTranscript
	Text     string
	Finished bool

	// EventToolResult
	ToolName string
}

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventUsage:
		return "usage"
	case EventAudio:
		return "audio"
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}
