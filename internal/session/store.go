package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ai-check-client/internal/clock"
	"github.com/example/ai-check-client/internal/identity"
	"github.com/example/ai-check-client/internal/usecase"
)

// DefaultIdleTimeout is how long an untouched session is kept.
const DefaultIdleTimeout = 30 * time.Minute

// Session is one browser's identity session and upload flow.
type Session struct {
	ID       string
	Identity *identity.Manager
	Flow     *usecase.Flow

	mu       sync.Mutex
	flash    string
	lastSeen time.Time
}

// SetFlash stores a message for the next rendered page.
func (s *Session) SetFlash(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flash = message
}

// PopFlash returns the pending message and clears it.
func (s *Session) PopFlash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	message := s.flash
	s.flash = ""
	return message
}

func (s *Session) touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = at
}

func (s *Session) idleSince(at time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at.Sub(s.lastSeen)
}

func (s *Session) teardown() {
	s.Flow.Reset()
	s.Identity.Clear()
}

// Factory builds the identity manager and flow of a new session.
type Factory func() (*identity.Manager, *usecase.Flow)

// Option customises a Store.
type Option func(*Store)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store keeps sessions in memory. Nothing survives a restart.
type Store struct {
	factory Factory
	idle    time.Duration
	clock   clock.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore returns an empty store expiring sessions idle for longer than idle.
func NewStore(factory Factory, idle time.Duration, logger *zap.Logger, opts ...Option) *Store {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	s := &Store{
		factory:  factory,
		idle:     idle,
		clock:    clock.Real(),
		logger:   logger.Named("sessions"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a new session.
func (s *Store) Create() *Session {
	manager, flow := s.factory()
	sess := &Session{
		ID:       uuid.NewString(),
		Identity: manager,
		Flow:     flow,
		lastSeen: s.clock.Now(),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", sess.ID))
	return sess
}

// Get returns a live session and marks it as used.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	now := s.clock.Now()
	if sess.idleSince(now) > s.idle {
		s.remove(sess, "expired")
		return nil, false
	}
	sess.touch(now)
	return sess, true
}

// Delete tears a session down: polling stops and local identity is cleared.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		s.remove(sess, "deleted")
	}
}

// Len reports the number of stored sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes idle sessions and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []*Session
	for _, sess := range s.sessions {
		if sess.idleSince(now) > s.idle {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.remove(sess, "expired")
	}
	return len(expired)
}

// Run sweeps every interval until ctx is cancelled, then tears every
// remaining session down.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C():
			if n := s.Sweep(); n > 0 {
				s.logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (s *Store) closeAll() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	for _, sess := range all {
		s.remove(sess, "shutdown")
	}
}

func (s *Store) remove(sess *Session, reason string) {
	s.mu.Lock()
	current, ok := s.sessions[sess.ID]
	if ok && current == sess {
		delete(s.sessions, sess.ID)
	}
	s.mu.Unlock()
	if !ok || current != sess {
		return
	}

	sess.teardown()
	s.logger.Debug("session removed", zap.String("session_id", sess.ID), zap.String("reason", reason))
}
