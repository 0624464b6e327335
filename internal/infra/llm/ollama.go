// Ollama HTTP adapter.
// OllamaProvider calls the Ollama REST API using stdlib net/http.
// Endpoints used:
//   - POST /api/chat  - chat completion (stream=false buffered, stream=true NDJSON)
//   - GET  /api/tags  - health check (lists available models)
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider implements StreamingProvider against a running Ollama instance.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates an OllamaProvider. A zero timeout selects DefaultTimeout.
func NewOllamaProvider(baseURL, model string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: newHTTPClient(timeout),
	}
}

// ─── internal Ollama JSON types ──────────────────────────────────────────────

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         Message `json:"message"`
	DoneReason      string  `json:"done_reason"`
	Done            bool    `json:"done"`
	Error           string  `json:"error,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// ─── Provider implementation ─────────────────────────────────────────────────

func (p *OllamaProvider) chatRequest(req ChatRequest, stream bool) ollamaChatRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	return ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Stream:   stream,
		Options:  buildChatOptions(req),
	}
}

// ChatCompletion performs a non-streaming chat via POST /api/chat.
func (p *OllamaProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/api/chat", nil, p.chatRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	defer respBody.Close() //nolint:errcheck

	var ollamaResp ollamaChatResponse
	if decodeErr := json.NewDecoder(respBody).Decode(&ollamaResp); decodeErr != nil {
		return nil, fmt.Errorf("ollama chat: decode response: %w", decodeErr)
	}
	if ollamaResp.Error != "" {
		return nil, fmt.Errorf("ollama chat: %s", maskCredentials(ollamaResp.Error))
	}

	return &ChatResponse{
		Content:    ollamaResp.Message.Content,
		StopReason: ollamaResp.DoneReason,
		Tokens:     ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
	}, nil
}

// ChatCompletionStream performs a streaming chat via POST /api/chat.
// Ollama answers with one JSON object per line; the last one has done=true.
func (p *OllamaProvider) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error) {
	respBody, err := postJSON(ctx, p.httpClient, p.baseURL+"/api/chat", nil, p.chatRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}

	out := make(chan StreamDelta, streamBuffer)
	go func() {
		defer close(out)
		defer respBody.Close() //nolint:errcheck

		sc := newLineScanner(respBody)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				emit(ctx, out, StreamDelta{Err: fmt.Errorf("ollama stream: decode chunk: %w", err)})
				return
			}
			if chunk.Error != "" {
				emit(ctx, out, StreamDelta{Err: fmt.Errorf("ollama stream: %s", maskCredentials(chunk.Error))})
				return
			}
			if chunk.Message.Content != "" {
				if !emit(ctx, out, StreamDelta{Content: chunk.Message.Content}) {
					return
				}
			}
			if chunk.Done {
				emit(ctx, out, StreamDelta{Done: true})
				return
			}
		}
		streamErr := sc.Err()
		if streamErr == nil {
			streamErr = errUnexpectedEOF
		}
		emit(ctx, out, StreamDelta{Err: fmt.Errorf("ollama stream: %w", streamErr)})
	}()
	return out, nil
}

// buildChatOptions converts ChatRequest fields into the Ollama options map.
// Temperature is always sent: zero is a meaningful setting, not "unset".
func buildChatOptions(req ChatRequest) map[string]any {
	opts := map[string]any{"temperature": req.Temperature}
	if req.MaxTokens != 0 {
		opts["num_predict"] = req.MaxTokens
	}
	return opts
}

// ModelInfo returns static metadata for this provider/model.
func (p *OllamaProvider) ModelInfo() ModelMeta {
	return ModelMeta{
		ID:       p.model,
		Provider: KindOllama,
		Version:  "v1",
	}
}

// HealthCheck calls GET /api/tags - returns nil if Ollama is reachable.
func (p *OllamaProvider) HealthCheck(ctx context.Context) error {
	if err := getOK(ctx, p.httpClient, p.baseURL+"/api/tags", nil); err != nil {
		return fmt.Errorf("ollama healthcheck: %w", err)
	}
	return nil
}

var _ StreamingProvider = (*OllamaProvider)(nil)
