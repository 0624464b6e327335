// Package conversation keeps the in-memory, time-expiring turn history of chat conversations.
//
// Locking is scoped per key: a sharded map guards lookup and creation, and every
// conversation carries its own mutex for its turns plus an exchange gate that
// serializes whole request/response exchanges on that conversation.
package conversation

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation requires a conversation that does not exist.
var ErrNotFound = errors.New("conversation not found")

// Role tags the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one immutable message unit of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is a point-in-time copy of a stored conversation.
// Turns is owned by the caller; mutating it never affects the store.
type Conversation struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

const shardCount = 32

type entry struct {
	mu           sync.Mutex
	id           string
	owner        string
	turns        []Turn
	createdAt    time.Time
	lastActivity time.Time
	removed      bool

	// gate has capacity 1; holding a value in it means an exchange is in flight.
	gate chan struct{}
}

func (e *entry) snapshotLocked() Conversation {
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	return Conversation{
		ID:           e.id,
		Owner:        e.owner,
		Turns:        turns,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is the process-local conversation registry.
type Store struct {
	shards [shardCount]*shard
}

// NewStore returns an empty Store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

func (s *Store) lookup(id string) *entry {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	return e
}

// Get returns a snapshot of the conversation, or false if it does not exist.
func (s *Store) Get(id string) (Conversation, bool) {
	e := s.lookup(id)
	if e == nil {
		return Conversation{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Conversation{}, false
	}
	return e.snapshotLocked(), true
}

// CreateIfAbsent registers a new conversation owned by owner unless one already exists.
// An existing conversation is returned unchanged; its owner is fixed at first creation.
// The boolean reports whether this call created it.
func (s *Store) CreateIfAbsent(id, owner string, now time.Time) (Conversation, bool) {
	if e := s.lookup(id); e != nil {
		if conv, ok := s.snapshot(e); ok {
			return conv, false
		}
	}

	sh := s.shardFor(id)
	sh.mu.Lock()
	e, exists := sh.entries[id]
	if !exists {
		e = &entry{
			id:           id,
			owner:        owner,
			createdAt:    now,
			lastActivity: now,
			gate:         make(chan struct{}, 1),
		}
		sh.entries[id] = e
	}
	sh.mu.Unlock()

	conv, _ := s.snapshot(e)
	return conv, !exists
}

func (s *Store) snapshot(e *entry) (Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Conversation{}, false
	}
	return e.snapshotLocked(), true
}

// AppendTurn appends a single turn. It fails with ErrNotFound for unknown ids.
func (s *Store) AppendTurn(id string, turn Turn) error {
	return s.AppendTurns(id, turn)
}

// AppendTurns appends all turns in order as one atomic step with respect to the conversation.
func (s *Store) AppendTurns(id string, turns ...Turn) error {
	e := s.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrNotFound
	}
	for _, t := range turns {
		e.turns = append(e.turns, t)
		if t.Timestamp.After(e.lastActivity) {
			e.lastActivity = t.Timestamp
		}
	}
	return nil
}

// Acquire blocks until the caller holds the exchange gate of conversation id.
// Waiters are served in arrival order. The returned release func is idempotent.
func (s *Store) Acquire(ctx context.Context, id string) (func(), error) {
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() { once.Do(func() { <-e.gate }) }

	e.mu.Lock()
	removed := e.removed
	e.mu.Unlock()
	if removed {
		release()
		return nil, ErrNotFound
	}
	return release, nil
}

// SweepExpired removes every conversation whose last activity is older than maxAge at now.
// Conversations with an exchange in flight are left for a later sweep.
func (s *Store) SweepExpired(now time.Time, maxAge time.Duration) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		candidates := make([]*entry, 0, len(sh.entries))
		for _, e := range sh.entries {
			candidates = append(candidates, e)
		}
		sh.mu.RUnlock()

		for _, e := range candidates {
			if s.evictIfExpired(sh, e, now, maxAge) {
				removed++
			}
		}
	}
	return removed
}

func (s *Store) evictIfExpired(sh *shard, e *entry, now time.Time, maxAge time.Duration) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.entries[e.id] != e {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.gate) > 0 || now.Sub(e.lastActivity) <= maxAge {
		return false
	}
	e.removed = true
	delete(sh.entries, e.id)
	return true
}

// Delete removes a conversation regardless of age. It reports whether one existed.
func (s *Store) Delete(id string) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[id]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(sh.entries, id)
	return true
}

// Exists reports whether a conversation is registered under id.
func (s *Store) Exists(id string) bool {
	return s.lookup(id) != nil
}

// Count returns the number of live conversations.
func (s *Store) Count() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
