package session

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const shardCount = 16

// DefaultTTL bounds how long an idle session is retained.
const DefaultTTL = time.Hour

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Store is a sharded, concurrency-safe session registry.
type Store struct {
	shards [shardCount]*shard
	ttl    atomic.Int64
	now    func() time.Time
	logger *zap.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithTTL sets the idle retention window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.SetTTL(ttl) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now, logger: zap.NewNop()}
	s.ttl.Store(int64(DefaultTTL))
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTTL changes the retention window; non-positive values are ignored.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl.Store(int64(ttl))
	}
}

// TTL returns the retention window.
func (s *Store) TTL() time.Duration { return time.Duration(s.ttl.Load()) }

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Begin records an inbound message, creating the session when needed. An
// empty id gets a generated one.
func (s *Store) Begin(id, userID, tenantID, message string) (Session, error) {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	return s.Merge(id, Update{
		BeginTurn: true,
		Inbound:   message,
		UserID:    &userID,
		TenantID:  &tenantID,
	})
}

// Merge applies u to the session under its shard lock and returns the
// resulting snapshot. Only BeginTurn updates create sessions.
func (s *Store) Merge(id string, u Update) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrEmptyID
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess, ok := sh.sessions[id]
	if !ok {
		if !u.BeginTurn {
			return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		sess = &Session{ID: id, Transitions: map[State]time.Time{}}
		sh.sessions[id] = sess
	}
	if !u.BeginTurn && u.Turn != 0 && u.Turn != sess.Turn {
		return sess.clone(), fmt.Errorf("%w: session %s is on turn %d, update for %d", ErrStaleTurn, id, sess.Turn, u.Turn)
	}
	sess.apply(u, s.now())
	return sess.clone(), nil
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (Session, error) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess, ok := sh.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess.clone(), nil
}

// Len returns the number of retained sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

// Sweep evicts sessions idle for longer than the TTL and returns how many
// were removed.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.TTL())
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.UpdatedAt.Before(cutoff) {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Info("session sweep", zap.Int("evicted", n), zap.Int("retained", s.Len()))
			}
		}
	}
}
