package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIProvider_ChatCompletion_Success(t *testing.T) {
	t.Parallel()

	var got openAIChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.Error(w, "unexpected path", http.StatusNotFound)
			return
		}
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hi there"},"finish_reason":"stop"}],"usage":{"total_tokens":12}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "sk-test", "gpt-4o-mini", 0)
	resp, err := p.ChatCompletion(context.Background(), ChatRequest{
		Messages:    []Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hi"}},
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if resp.Content != "Hi there" || resp.StopReason != "stop" || resp.Tokens != 12 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "gpt-4o-mini" || got.Stream || len(got.Messages) != 2 || got.Temperature != 0.3 {
		t.Errorf("unexpected request: %+v", got)
	}
}

func TestOpenAIProvider_ChatCompletion_NoAPIKey_NoAuthHeader(t *testing.T) {
	t.Parallel()

	hasAuth := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasAuth = r.Header["Authorization"]
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	if _, err := NewOpenAIProvider(srv.URL, "", "local", 0).ChatCompletion(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("ChatCompletion failed: %v", err)
	}
	if hasAuth {
		t.Error("no Authorization header expected without an API key")
	}
}

func TestOpenAIProvider_ChatCompletion_NoChoices_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	if _, err := NewOpenAIProvider(srv.URL, "k", "m", 0).ChatCompletion(context.Background(), ChatRequest{}); err == nil {
		t.Error("expected error for empty choices")
	}
}

func TestOpenAIProvider_ChatCompletion_Unauthorized_DoesNotLeakKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewOpenAIProvider(srv.URL, "sk-very-secret", "m", 0).ChatCompletion(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if strings.Contains(err.Error(), "sk-very-secret") {
		t.Errorf("error leaks credential: %v", err)
	}
}

func TestOpenAIProvider_Stream_Success(t *testing.T) {
	t.Parallel()

	var got openAIChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got) //nolint:errcheck
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	ch, err := NewOpenAIProvider(srv.URL, "k", "gpt-4o-mini", 0).ChatCompletionStream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("ChatCompletionStream failed: %v", err)
	}
	content, last := collect(t, ch)
	if content != "Hello" || !last.Done {
		t.Errorf("content = %q, last = %+v", content, last)
	}
	if !got.Stream {
		t.Error("stream flag not set on request")
	}
}

func TestOpenAIProvider_Stream_MissingDone_ReturnsErr(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n\n")
	}))
	defer srv.Close()

	ch, _ := NewOpenAIProvider(srv.URL, "k", "m", 0).ChatCompletionStream(context.Background(), ChatRequest{})
	_, last := collect(t, ch)
	if last.Err == nil {
		t.Error("expected terminal error when [DONE] is missing")
	}
}

func TestOpenAIProvider_Stream_MalformedChunk_ReturnsErr(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {oops\n\n")
	}))
	defer srv.Close()

	ch, _ := NewOpenAIProvider(srv.URL, "k", "m", 0).ChatCompletionStream(context.Background(), ChatRequest{})
	_, last := collect(t, ch)
	if last.Err == nil {
		t.Error("expected terminal error for malformed chunk")
	}
}
