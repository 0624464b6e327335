// Anthropic Messages API adapter.
// Endpoints used:
//   - POST /v1/messages - buffered JSON or SSE events (content_block_delta, message_stop, error)
//   - GET  /v1/models   - health check
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicVersion = "2023-06-01"
	// anthropicDefaultMaxTokens is sent when the request leaves MaxTokens unset; the API requires it.
	anthropicDefaultMaxTokens = 1024
)

// AnthropicProvider implements StreamingProvider for the Messages API.
type AnthropicProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider.
func NewAnthropicProvider(baseURL, apiKey, model string, timeout time.Duration) *AnthropicProvider {
	return &AnthropicProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: newHTTPClient(timeout),
	}
}

// ─── internal Anthropic JSON types ───────────────────────────────────────────

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// buildRequest lifts system messages into the top-level system field; the Messages API
// only accepts user and assistant roles in messages.
func (p *AnthropicProvider) buildRequest(req ChatRequest, stream bool) anthropicRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	var system []string
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, m)
	}

	return anthropicRequest{
		Model:       model,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

// ChatCompletion performs a buffered Messages call.
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/messages", p.headers(), p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}
	defer respBody.Close() //nolint:errcheck

	var out anthropicResponse
	if decodeErr := json.NewDecoder(respBody).Decode(&out); decodeErr != nil {
		return nil, fmt.Errorf("anthropic chat: decode response: %w", decodeErr)
	}

	var b strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &ChatResponse{
		Content:    b.String(),
		StopReason: out.StopReason,
		Tokens:     out.Usage.InputTokens + out.Usage.OutputTokens,
	}, nil
}

// ChatCompletionStream performs a streamed Messages call.
func (p *AnthropicProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/messages", p.headers(), p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	out := make(chan StreamDelta, streamBuffer)
	go func() {
		defer close(out)
		defer respBody.Close() //nolint:errcheck

		cancelled := false
		err := scanSSE(respBody, func(data []byte) (bool, error) {
			var ev anthropicEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return false, fmt.Errorf("decode event: %w", err)
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Text == "" {
					return false, nil
				}
				if !emit(ctx, out, StreamDelta{Content: ev.Delta.Text}) {
					cancelled = true
					return true, nil
				}
			case "message_stop":
				return true, nil
			case "error":
				return false, fmt.Errorf("%s: %s", ev.Error.Type, maskCredentials(ev.Error.Message))
			}
			return false, nil
		})
		switch {
		case cancelled:
		case err != nil:
			emit(ctx, out, StreamDelta{Err: fmt.Errorf("anthropic stream: %w", err)})
		default:
			emit(ctx, out, StreamDelta{Done: true})
		}
	}()
	return out, nil
}

// ModelInfo returns static metadata for this provider/model.
func (p *AnthropicProvider) ModelInfo() ModelMeta {
	return ModelMeta{ID: p.model, Provider: KindAnthropic, Version: anthropicVersion}
}

// HealthCheck calls GET /v1/models.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	if err := getOK(ctx, p.httpClient, p.baseURL+"/v1/models", p.headers()); err != nil {
		return fmt.Errorf("anthropic healthcheck: %w", err)
	}
	return nil
}

var _ StreamingProvider = (*AnthropicProvider)(nil)
