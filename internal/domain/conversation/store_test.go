package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func TestStore_CreateIfAbsent_FirstOwnerWins(t *testing.T) {
	t.Parallel()
	s := NewStore()

	first, created := s.CreateIfAbsent("c1", "alice", t0)
	require.True(t, created)
	require.Equal(t, "alice", first.Owner)

	second, created := s.CreateIfAbsent("c1", "mallory", t0.Add(time.Minute))
	require.False(t, created)
	require.Equal(t, "alice", second.Owner)
	require.Equal(t, t0, second.CreatedAt)
	require.Equal(t, 1, s.Count())
}

func TestStore_AppendTurn_UnknownConversation(t *testing.T) {
	t.Parallel()
	s := NewStore()

	err := s.AppendTurn("missing", Turn{Role: RoleUser, Content: "hi", Timestamp: t0})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AppendTurns_OrderAndLastActivity(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)

	require.NoError(t, s.AppendTurns("c1",
		Turn{Role: RoleUser, Content: "q", Timestamp: t0.Add(time.Second)},
		Turn{Role: RoleAssistant, Content: "a", Timestamp: t0.Add(2 * time.Second)},
	))
	// an older timestamp must not move lastActivity backwards
	require.NoError(t, s.AppendTurn("c1", Turn{Role: RoleUser, Content: "late", Timestamp: t0}))

	conv, ok := s.Get("c1")
	require.True(t, ok)
	require.Len(t, conv.Turns, 3)
	require.Equal(t, "q", conv.Turns[0].Content)
	require.Equal(t, "a", conv.Turns[1].Content)
	require.Equal(t, "late", conv.Turns[2].Content)
	require.Equal(t, t0.Add(2*time.Second), conv.LastActivity)
}

func TestStore_Get_ReturnsDetachedSnapshot(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)
	require.NoError(t, s.AppendTurn("c1", Turn{Role: RoleUser, Content: "original", Timestamp: t0}))

	conv, _ := s.Get("c1")
	conv.Turns[0].Content = "mutated"

	again, _ := s.Get("c1")
	require.Equal(t, "original", again.Turns[0].Content)
}

func TestStore_SweepExpired_Boundary(t *testing.T) {
	t.Parallel()
	s := NewStore()
	expiration := 30 * time.Minute
	now := t0.Add(time.Hour)

	s.CreateIfAbsent("stale", "alice", now.Add(-(expiration + time.Second)))
	s.CreateIfAbsent("fresh", "alice", now.Add(-(expiration - time.Second)))
	s.CreateIfAbsent("exact", "alice", now.Add(-expiration))

	removed := s.SweepExpired(now, expiration)

	require.Equal(t, 1, removed)
	require.False(t, s.Exists("stale"))
	require.True(t, s.Exists("fresh"))
	require.True(t, s.Exists("exact"))
}

func TestStore_SweepExpired_SkipsBusyConversation(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)

	release, err := s.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	require.Equal(t, 0, s.SweepExpired(t0.Add(24*time.Hour), time.Minute))
	release()
	require.Equal(t, 1, s.SweepExpired(t0.Add(24*time.Hour), time.Minute))
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)

	require.True(t, s.Delete("c1"))
	require.False(t, s.Delete("c1"))
	require.False(t, s.Exists("c1"))
	require.ErrorIs(t, s.AppendTurn("c1", Turn{Role: RoleUser, Timestamp: t0}), ErrNotFound)
}

func TestStore_Acquire_SerializesAndHonorsContext(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)

	release, err := s.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent

	release2, err := s.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	release2()
}

func TestStore_Acquire_Unknown(t *testing.T) {
	t.Parallel()
	_, err := NewStore().Acquire(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConcurrentAppends_NoLostTurns(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("c1", "alice", t0)

	const workers = 16
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := s.AppendTurns("c1",
					Turn{Role: RoleUser, Content: fmt.Sprintf("%d-%d", w, i), Timestamp: t0},
					Turn{Role: RoleAssistant, Content: fmt.Sprintf("%d-%d", w, i), Timestamp: t0},
				)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	conv, _ := s.Get("c1")
	require.Len(t, conv.Turns, workers*perWorker*2)
	for i := 0; i < len(conv.Turns); i += 2 {
		require.Equal(t, RoleUser, conv.Turns[i].Role)
		require.Equal(t, RoleAssistant, conv.Turns[i+1].Role)
		require.Equal(t, conv.Turns[i].Content, conv.Turns[i+1].Content, "pair interleaved at %d", i)
	}
}

func TestStore_DifferentConversationsIndependent(t *testing.T) {
	t.Parallel()
	s := NewStore()
	s.CreateIfAbsent("a", "alice", t0)
	s.CreateIfAbsent("b", "bob", t0)

	release, err := s.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := s.Acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()
	require.NoError(t, s.AppendTurn("b", Turn{Role: RoleUser, Content: "x", Timestamp: t0}))
}
