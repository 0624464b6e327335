package chat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/matiasleandrokruk/chatrelay/internal/domain/conversation"
)

// WindowSweeper drops rate-limit state that no longer counts against anyone.
type WindowSweeper interface {
	Sweep(now time.Time) int
}

// SweepResult reports what one sweep removed.
type SweepResult struct {
	Conversations int `json:"conversations"`
	Identities    int `json:"identities"`
}

// Janitor periodically evicts idle conversations and empty rate windows.
// Each sweep locks one key at a time, so request handling is never blocked for longer than that.
type Janitor struct {
	Store    *conversation.Store
	Limiter  WindowSweeper // optional
	MaxAge   time.Duration
	Interval time.Duration
	Clock    func() time.Time
}

// SweepOnce runs a single sweep at now.
func (j *Janitor) SweepOnce(now time.Time) SweepResult {
	var res SweepResult
	if j.Store != nil {
		res.Conversations = j.Store.SweepExpired(now, j.MaxAge)
	}
	if j.Limiter != nil {
		res.Identities = j.Limiter.Sweep(now)
	}
	return res
}

// Run sweeps every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	if j.Interval <= 0 {
		return
	}
	clock := j.Clock
	if clock == nil {
		clock = time.Now
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := j.SweepOnce(clock())
			if res.Conversations > 0 || res.Identities > 0 {
				log.Debug().
					Str("component", "janitor").
					Int("conversations", res.Conversations).
					Int("identities", res.Identities).
					Msg("sweep")
			}
		}
	}
}
