package llm

import "context"

// Provider is the buffered capability every upstream adapter has.
// The application is never coupled to a specific vendor.
type Provider interface {
	// ChatCompletion performs a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ModelInfo returns static metadata about the provider/model.
	ModelInfo() ModelMeta
	// HealthCheck returns nil if the provider is reachable and operational.
	HealthCheck(ctx context.Context) error
}

// StreamingProvider adds the incremental capability.
// The returned channel yields content deltas and is closed after exactly one terminal
// element (Done or Err). Implementations stop sending once ctx is done.
type StreamingProvider interface {
	Provider
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}

// streamBuffer bounds the channel between an adapter and its consumer.
const streamBuffer = 16

// emit sends d unless ctx is done first. It reports whether the send happened.
func emit(ctx context.Context, ch chan<- StreamDelta, d StreamDelta) bool {
	select {
	case ch <- d:
		return true
	case <-ctx.Done():
		return false
	}
}
