package orchestration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
)

func newTestStore(t *testing.T) *SessionStore {
	t.Helper()
	return NewSessionStore(time.Hour, 200*time.Millisecond, zap.NewNop())
}

func TestSessionStore_EnsureCreatesIdleSession(t *testing.T) {
	store := newTestStore(t)

	entry := store.ensure("session-1", models.TierBasic)
	require.NotNil(t, entry)
	assert.Equal(t, "session-1", entry.session.ID)
	assert.Equal(t, models.TierBasic, entry.session.Tier)
	assert.Equal(t, models.StatusIdle, entry.session.Status)

	// Second ensure returns the same entry.
	again := store.ensure("session-1", models.TierFree)
	assert.Same(t, entry, again)
	assert.Equal(t, models.TierBasic, again.session.Tier)
}

func TestSessionStore_SnapshotMissingSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Snapshot("nope")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSessionStore_WithSessionMutatesAtomically(t *testing.T) {
	store := newTestStore(t)
	store.ensure("session-1", models.TierFree)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithSession("session-1", func(sess *models.Session) error {
				sess.RunSeq++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := store.Snapshot("session-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), snap.RunSeq)
}

func TestSessionStore_EvictCancelsActiveRun(t *testing.T) {
	store := newTestStore(t)
	entry := store.ensure("session-1", models.TierFree)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := &run{
		id:        "run-1",
		sessionID: "session-1",
		ctx:       ctx,
		cancel:    cancel,
		done:      done,
	}
	entry.mu.Lock()
	entry.run = r
	entry.mu.Unlock()

	// Simulate the run goroutine acknowledging cancellation.
	go func() {
		<-ctx.Done()
		close(done)
	}()

	require.NoError(t, store.Evict("session-1"))

	select {
	case <-ctx.Done():
	default:
		t.Fatal("eviction did not cancel the active run")
	}

	_, err := store.Snapshot("session-1")
	assert.ErrorIs(t, err, models.ErrSessionNotFound)
}

func TestSessionStore_EvictMissingSession(t *testing.T) {
	store := newTestStore(t)
	assert.ErrorIs(t, store.Evict("nope"), models.ErrSessionNotFound)
}

func TestSessionStore_IdleSessionExpires(t *testing.T) {
	store := NewSessionStore(50*time.Millisecond, 50*time.Millisecond, zap.NewNop())
	store.ensure("session-1", models.TierFree)

	require.Eventually(t, func() bool {
		_, err := store.Snapshot("session-1")
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
