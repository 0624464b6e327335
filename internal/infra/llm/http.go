package llm

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

const (
	mimeJSON          = "application/json"
	headerContentType = "Content-Type"

	// maxErrorBody caps how much of a failed upstream body is read before it is digested.
	maxErrorBody = 512
	// maxLine is the largest single NDJSON / SSE line accepted from upstream.
	maxLine = 1 << 20
)

// DefaultTimeout bounds a whole upstream exchange when the config does not set one.
const DefaultTimeout = 120 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON marshals payload, POSTs it to url with headers and returns the response body.
// Non-2xx responses are turned into errors. Caller is responsible for closing the returned ReadCloser.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any) (io.ReadCloser, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("post %s: encode: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("post %s: build request: %w", url, err)
	}
	req.Header.Set(headerContentType, mimeJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close() //nolint:errcheck
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, bodyDigest(snippet))
	}
	return resp.Body, nil
}

// bodyDigest identifies an upstream error body without repeating it. Providers echo
// credentials back in auth errors, so the text itself never reaches the logs.
func bodyDigest(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "empty body"
	}
	sum := sha256.Sum256(body)
	return fmt.Sprintf("body sha256:%s (%d bytes)", hex.EncodeToString(sum[:6]), len(body))
}

// credentialPattern matches the key shapes used by OpenAI-compatible and Anthropic backends.
var credentialPattern = regexp.MustCompile(`\b(sk-|sk_|key-)[A-Za-z0-9_\-]{6,}`)

// maskCredentials blanks key-shaped tokens in a provider-supplied error message.
func maskCredentials(msg string) string {
	return credentialPattern.ReplaceAllString(msg, "${1}[redacted]")
}

// getOK issues a GET and returns nil for a 2xx answer.
func getOK(ctx context.Context, client *http.Client, url string, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("get %s: build request: %w", url, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("get %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return sc
}

// scanSSE calls fn with the payload of every "data:" line until fn reports done,
// the body ends, or reading fails. Event names and comments are ignored; payload types
// are carried inside the JSON by every provider we talk to.
func scanSSE(r io.Reader, fn func(data []byte) (done bool, err error)) error {
	sc := newLineScanner(r)
	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		done, err := fn(data)
		if err != nil || done {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return errUnexpectedEOF
}

var errUnexpectedEOF = fmt.Errorf("stream ended without a completion marker")
