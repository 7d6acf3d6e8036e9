package orchestration

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
)

// sessionEntry pairs a session with its active run. entry.mu is the single
// mutation point for the pair: status changes and run handle changes always
// happen under it, so observers never see a status that disagrees with the
// run slot.
type sessionEntry struct {
	mu      sync.Mutex
	session *models.Session
	run     *run
}

// SessionStore holds live sessions in an expiring in-memory cache. Idle
// sessions are evicted after the TTL; eviction of a session with an active
// run cancels the run first and waits a bounded time for it to acknowledge.
type SessionStore struct {
	cache   *gocache.Cache
	idleTTL time.Duration
	ackWait time.Duration
	log     *zap.Logger
}

// NewSessionStore creates a store whose entries expire after idleTTL of
// inactivity. ackWait bounds how long eviction waits for a cancelled run to
// wind down.
func NewSessionStore(idleTTL, ackWait time.Duration, log *zap.Logger) *SessionStore {
	c := gocache.New(idleTTL, idleTTL/2)
	s := &SessionStore{
		cache:   c,
		idleTTL: idleTTL,
		ackWait: ackWait,
		log:     log,
	}
	c.OnEvicted(s.onEvicted)
	return s
}

func (s *SessionStore) onEvicted(id string, value interface{}) {
	entry, ok := value.(*sessionEntry)
	if !ok {
		return
	}

	entry.mu.Lock()
	r := entry.run
	entry.mu.Unlock()

	if r == nil {
		return
	}

	s.log.Info("cancelling run of evicted session",
		zap.String("session_id", id),
		zap.String("run_id", r.id))
	r.cancel()

	select {
	case <-r.done:
	case <-time.After(s.ackWait):
		s.log.Warn("evicted run did not stop within ack window",
			zap.String("session_id", id),
			zap.String("run_id", r.id),
			zap.Duration("ack_wait", s.ackWait))
	}
}

// ensure returns the entry for id, creating an idle session on first sight.
func (s *SessionStore) ensure(id string, tier models.Tier) *sessionEntry {
	for {
		if value, ok := s.cache.Get(id); ok {
			return value.(*sessionEntry)
		}

		entry := &sessionEntry{
			session: &models.Session{
				ID:           id,
				Tier:         tier,
				Status:       models.StatusIdle,
				Memory:       []models.Turn{},
				LastActivity: time.Now().UTC(),
			},
		}
		if err := s.cache.Add(id, entry, s.idleTTL); err == nil {
			return entry
		}
		// Lost the insert race; loop and pick up the winner.
	}
}

// get returns the entry for id, or ErrSessionNotFound.
func (s *SessionStore) get(id string) (*sessionEntry, error) {
	value, ok := s.cache.Get(id)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return value.(*sessionEntry), nil
}

// touch refreshes the idle TTL for an active session.
func (s *SessionStore) touch(id string, entry *sessionEntry) {
	s.cache.Set(id, entry, s.idleTTL)
}

// WithSession runs fn with exclusive access to an existing session.
func (s *SessionStore) WithSession(id string, fn func(sess *models.Session) error) error {
	entry, err := s.get(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := fn(entry.session); err != nil {
		return err
	}
	s.touch(id, entry)
	return nil
}

// Snapshot returns a copy of the session safe to read without holding the
// entry lock. Memory and the active project are shared but treated as
// immutable by readers.
func (s *SessionStore) Snapshot(id string) (models.Session, error) {
	entry, err := s.get(id)
	if err != nil {
		return models.Session{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	snap := *entry.session
	return snap, nil
}

// Evict removes a session, cancelling its active run via the eviction hook.
func (s *SessionStore) Evict(id string) error {
	if _, ok := s.cache.Get(id); !ok {
		return models.ErrSessionNotFound
	}
	s.cache.Delete(id)
	return nil
}

// Len reports the number of live sessions, expired entries included until the
// janitor sweeps them.
func (s *SessionStore) Len() int {
	return s.cache.ItemCount()
}
