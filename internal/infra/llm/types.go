// Package llm defines the model-agnostic provider abstraction and its HTTP adapters.
// All types here are shared between the provider interfaces, the registry and the adapters.
package llm

// Message represents a single turn sent upstream (role + content).
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion, buffered or streamed.
type ChatRequest struct {
	// Model overrides the provider default when non-empty.
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the output from a buffered chat completion.
type ChatResponse struct {
	Content    string // The assistant message text.
	StopReason string // "stop" | "length" | provider-specific
	Tokens     int    // Total tokens consumed when the provider reports it.
}

// StreamDelta is one element of an incremental completion.
// The last element on a stream has Done set or Err non-nil; the channel is closed after it.
type StreamDelta struct {
	Content string
	Done    bool
	Err     error
}

// ModelMeta describes the model / provider identity.
type ModelMeta struct {
	ID        string // e.g. "llama3.2:3b", "gpt-4o-mini"
	Provider  string // e.g. "ollama", "openai"
	Version   string
	MaxTokens int // Maximum context window size, 0 when unknown.
}
