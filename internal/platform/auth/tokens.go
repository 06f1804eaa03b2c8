package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/genomic-gateway/internal/platform/session"
)

// ErrUnauthenticated means there is no session or its token has expired.
// The user has to go back through login; tokens are never renewed here.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenManager hands out the bearer token of a live session. It only reads
// the store.
type TokenManager struct {
	store session.Store
	now   func() time.Time
}

// NewTokenManager creates a manager over store using the wall clock.
func NewTokenManager(store session.Store) *TokenManager {
	return &TokenManager{store: store, now: time.Now}
}

// WithClock returns a copy of m that reads time from now.
func (m *TokenManager) WithClock(now func() time.Time) *TokenManager {
	return &TokenManager{store: m.store, now: now}
}

// Session returns the current session for key, or nil when there is none.
func (m *TokenManager) Session(ctx context.Context, key string) (*session.Session, error) {
	sess, err := m.store.Current(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// ValidToken returns the stored token when a session exists and now is not
// past its expiry. Otherwise it returns ErrUnauthenticated. A store failure
// is also reported as unauthenticated, wrapped so the cause stays visible.
func (m *TokenManager) ValidToken(ctx context.Context, key string) (string, error) {
	sess, err := m.Session(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return m.TokenOf(sess)
}

// TokenOf applies the expiry rule to an already loaded session.
func (m *TokenManager) TokenOf(sess *session.Session) (string, error) {
	if sess == nil || sess.Token == "" {
		return "", ErrUnauthenticated
	}
	if sess.Expired(m.now()) {
		return "", ErrUnauthenticated
	}
	return sess.Token, nil
}
