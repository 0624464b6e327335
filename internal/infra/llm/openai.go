// OpenAI-compatible HTTP adapter (OpenAI, vLLM, LM Studio, OpenRouter, ...).
// Endpoints used:
//   - POST /v1/chat/completions - buffered JSON or SSE "data:" chunks terminated by [DONE]
//   - GET  /v1/models           - health check
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OpenAIProvider implements StreamingProvider for the chat completions API.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAIProvider. An empty apiKey sends no Authorization header.
func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	return &OpenAIProvider{
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: newHTTPClient(timeout),
	}
}

// ─── internal OpenAI JSON types ──────────────────────────────────────────────

type openAIChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		Delta        Message `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

func (p *OpenAIProvider) headers() map[string]string {
	if p.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAIProvider) chatRequest(req ChatRequest, stream bool) openAIChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	return openAIChatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

// ChatCompletion performs a buffered chat completion.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/chat/completions", p.headers(), p.chatRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	defer respBody.Close() //nolint:errcheck

	var out openAIChatResponse
	if decodeErr := json.NewDecoder(respBody).Decode(&out); decodeErr != nil {
		return nil, fmt.Errorf("openai chat: decode response: %w", decodeErr)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("openai chat: %s", maskCredentials(out.Error.Message))
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: response has no choices")
	}

	resp := &ChatResponse{Content: out.Choices[0].Message.Content}
	if fr := out.Choices[0].FinishReason; fr != nil {
		resp.StopReason = *fr
	}
	if out.Usage != nil {
		resp.Tokens = out.Usage.TotalTokens
	}
	return resp, nil
}

// ChatCompletionStream performs a streamed chat completion over SSE.
func (p *OpenAIProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/chat/completions", p.headers(), p.chatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	out := make(chan StreamDelta, streamBuffer)
	go func() {
		defer close(out)
		defer respBody.Close() //nolint:errcheck

		cancelled := false
		err := scanSSE(respBody, func(data []byte) (bool, error) {
			if string(data) == "[DONE]" {
				return true, nil
			}
			var chunk openAIChatResponse
			if err := json.Unmarshal(data, &chunk); err != nil {
				return false, fmt.Errorf("decode chunk: %w", err)
			}
			if chunk.Error != nil {
				return false, fmt.Errorf("%s", maskCredentials(chunk.Error.Message))
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content == "" {
					continue
				}
				if !emit(ctx, out, StreamDelta{Content: c.Delta.Content}) {
					cancelled = true
					return true, nil
				}
			}
			return false, nil
		})
		switch {
		case cancelled:
		case err != nil:
			emit(ctx, out, StreamDelta{Err: fmt.Errorf("openai stream: %w", err)})
		default:
			emit(ctx, out, StreamDelta{Done: true})
		}
	}()
	return out, nil
}

// ModelInfo returns static metadata for this provider/model.
func (p *OpenAIProvider) ModelInfo() ModelMeta {
	return ModelMeta{ID: p.model, Provider: KindOpenAI, Version: "v1"}
}

// HealthCheck calls GET /v1/models.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if err := getOK(ctx, p.httpClient, p.baseURL+"/v1/models", p.headers()); err != nil {
		return fmt.Errorf("openai healthcheck: %w", err)
	}
	return nil
}

var _ StreamingProvider = (*OpenAIProvider)(nil)
