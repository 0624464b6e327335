package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not implement http.Flusher")

// SSESink writes each frame as one "data:" event and flushes it immediately.
type SSESink struct {
	bw      *bufio.Writer
	flusher http.Flusher
}

// NewSSESink sets the event-stream headers on w. Call it before anything is written.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSESink{bw: bufio.NewWriter(w), flusher: flusher}, nil
}

// Send implements Sink.
func (s *SSESink) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.bw, "data: %s\n\n", b); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
