package models

// Turn represents a single conversational message in the unified schema.
type Turn struct {
	Role    string
	Content string
}

// Conversation roles used across the relay.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the canonical representation of one inbound relay request,
// already validated and stripped of transport concerns.
type ChatRequest struct {
	Turns     []Turn
	Persona   string
	HeatLevel int
	ImageData []string // base64 data URLs attached to the last user turn
	ImageURLs []string // publicly reachable reference image URLs
	AudioData string   // base64 data URL of recorded voice input
	Stream    bool
	ClientID  string
}

// EventKind tags a normalized stream event.
type EventKind int

const (
	// EventContent carries a visible text delta.
	EventContent EventKind = iota
	// EventToolCallDelta carries one fragment of a tool invocation.
	EventToolCallDelta
	// EventFinish is the terminal signal for a stream.
	EventFinish
)

// StreamEvent is the normalized unit emitted by the stream normalizer.
// Exactly one group of payload fields is meaningful for a given Kind.
type StreamEvent struct {
	Kind EventKind

	// Text is set for EventContent.
	Text string

	// Tool-call delta fields, set for EventToolCallDelta. ID and Name may be
	// empty on continuation fragments; ArgsFragment concatenates in arrival
	// order across fragments sharing an Index.
	Index        int
	ID           string
	Name         string
	ArgsFragment string

	// FinishReason is set for EventFinish.
	FinishReason string
}

// ToolCall is a fully accumulated tool invocation. Arguments holds the
// concatenated fragment text and is only JSON-parsed by the dispatcher.
type ToolCall struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ChatResult captures a non-streaming provider response in the unified schema.
type ChatResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// RelayResponse is the fully reassembled, marker-stripped result handed back
// to the transport layer.
type RelayResponse struct {
	Content  string
	Thinking string
	Emotion  string
	AudioURL string
}
