// Package ratelimit implements per-identity sliding-window admission.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Admitter decides whether a request from identity may proceed at now.
// An admitted request is recorded against the identity's window; a rejected one is not.
type Admitter interface {
	Admit(ctx context.Context, identity string, now time.Time) (bool, error)
}

const shardCount = 32

type window struct {
	mu      sync.Mutex
	stamps  []time.Time
	removed bool
}

// pruneLocked drops timestamps strictly older than cutoff. A stamp equal to cutoff survives.
func (w *window) pruneLocked(cutoff time.Time) {
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// SlidingWindow admits at most Limit requests per identity in any trailing Window.
type SlidingWindow struct {
	limit  int
	window time.Duration
	shards [shardCount]*shard
}

// NewSlidingWindow returns an in-memory limiter. limit must be positive.
func NewSlidingWindow(limit int, win time.Duration) *SlidingWindow {
	sw := &SlidingWindow{limit: limit, window: win}
	for i := range sw.shards {
		sw.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return sw
}

// Limit returns the configured request cap.
func (sw *SlidingWindow) Limit() int { return sw.limit }

// Window returns the configured window duration.
func (sw *SlidingWindow) Window() time.Duration { return sw.window }

func (sw *SlidingWindow) shardFor(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return sw.shards[h.Sum32()%shardCount]
}

func (sw *SlidingWindow) windowFor(identity string) *window {
	sh := sw.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[identity]
	if !ok {
		w = &window{}
		sh.windows[identity] = w
	}
	return w
}

// TryAdmit filters the identity's window to [now-Window, now] and records now iff fewer than
// Limit timestamps remain. Check and record happen under the identity's lock.
func (sw *SlidingWindow) TryAdmit(identity string, now time.Time) bool {
	cutoff := now.Add(-sw.window)
	for {
		w := sw.windowFor(identity)
		w.mu.Lock()
		if w.removed {
			// swept between lookup and lock; take the fresh window
			w.mu.Unlock()
			continue
		}
		w.pruneLocked(cutoff)
		admitted := len(w.stamps) < sw.limit
		if admitted {
			w.stamps = append(w.stamps, now)
		}
		w.mu.Unlock()
		return admitted
	}
}

// Admit implements Admitter.
func (sw *SlidingWindow) Admit(_ context.Context, identity string, now time.Time) (bool, error) {
	return sw.TryAdmit(identity, now), nil
}

// Sweep prunes every window and deletes identities left with no timestamps.
// It returns the number of identities removed.
func (sw *SlidingWindow) Sweep(now time.Time) int {
	cutoff := now.Add(-sw.window)
	removed := 0
	for _, sh := range sw.shards {
		sh.mu.Lock()
		ids := make([]string, 0, len(sh.windows))
		for id := range sh.windows {
			ids = append(ids, id)
		}
		sh.mu.Unlock()

		for _, id := range ids {
			if sw.sweepOne(sh, id, cutoff) {
				removed++
			}
		}
	}
	return removed
}

func (sw *SlidingWindow) sweepOne(sh *shard, id string, cutoff time.Time) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	w, ok := sh.windows[id]
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(cutoff)
	if len(w.stamps) > 0 {
		return false
	}
	w.removed = true
	delete(sh.windows, id)
	return true
}

// Tracked returns the number of identities currently holding a window.
func (sw *SlidingWindow) Tracked() int {
	n := 0
	for _, sh := range sw.shards {
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}
