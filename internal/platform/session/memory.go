package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expired sessions are swept by a
// background goroutine; Current never returns a stale entry's absence as an
// error, it simply hands the expired session back and lets the token manager
// decide.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

// NewMemoryStore creates a store and starts a sweep loop running at the
// given interval. A non-positive interval disables the sweep.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, key, token string, expiresIn time.Duration, role Role, patientID string) (*Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	sess, err := New(token, expiresIn, role, patientID, s.now())
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	return sess.clone(), nil
}

func (s *MemoryStore) Current(_ context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	return sess.clone(), nil
}

func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close stops the sweep loop. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops sessions whose tokens have expired. A user holding one of them
// must log in again regardless, so keeping it buys nothing.
func (s *MemoryStore) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, key)
			removed++
		}
	}
	return removed
}
