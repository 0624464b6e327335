// Package relay turns an exchange's chunk events into wire frames and writes them to a sink.
package relay

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/chat"
)

// Frame is one outward unit of a streamed exchange.
// Exactly one Frame per exchange has Done set, and nothing follows it.
type Frame struct {
	Delta        string `json:"delta"`
	Done         bool   `json:"done"`
	CompletionID string `json:"completionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// FrameOf converts a chunk event to its wire frame.
func FrameOf(ev chat.ChunkEvent) Frame {
	if !ev.Final {
		return Frame{Delta: ev.Delta}
	}
	if ev.Failure != "" {
		return Frame{Done: true, Error: ev.Failure}
	}
	return Frame{Done: true, CompletionID: ev.CompletionID}
}

// Sink writes frames to one consumer.
type Sink interface {
	Send(Frame) error
}

// Result summarizes one relayed exchange.
type Result struct {
	Frames       int
	CompletionID string
	Failure      string
	// Detached is set when the consumer went away before the final frame.
	Detached bool
}

// Relay forwards events to sink until the final event. When ctx ends or the sink fails,
// forwarding stops but events are still drained so the producer can finish its bookkeeping.
func Relay(ctx context.Context, events <-chan chat.ChunkEvent, sink Sink) Result {
	var res Result
	for ev := range events {
		if ev.Final {
			res.CompletionID = ev.CompletionID
			res.Failure = ev.Failure
		}
		if res.Detached {
			continue
		}
		if ctx.Err() != nil {
			res.Detached = true
			continue
		}
		if err := sink.Send(FrameOf(ev)); err != nil {
			log.Debug().Err(err).Str("component", "relay").Msg("consumer gone, draining")
			res.Detached = true
			continue
		}
		res.Frames++
	}
	return res
}
