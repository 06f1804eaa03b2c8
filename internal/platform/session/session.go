// Package session holds the per-user login state of the gateway: the bearer
// token handed out by the EHR, its expiry, and the identity claims the
// authorization guard relies on.
package session

import (
	"context"
	"errors"
	"time"
)

// Role is the user role reported by the login provider.
type Role string

const (
	RoleClinician  Role = "clinician"
	RoleResearcher Role = "researcher"
	RolePatient    Role = "patient"
)

// DefaultExpiresIn is used when the login provider omits expires_in.
const DefaultExpiresIn = 3600 * time.Second

var (
	// ErrMissingPatientBinding is returned when a patient-role session is
	// created without the patient identifier it must be bound to.
	ErrMissingPatientBinding = errors.New("patient role requires a bound patient id")
	// ErrEmptyToken is returned when a session is created without a token.
	ErrEmptyToken = errors.New("access token is empty")
	// ErrEmptyKey is returned when a store is addressed without a session key.
	ErrEmptyKey = errors.New("session key is empty")
)

// Session is an immutable snapshot of one login. A new login replaces it
// wholesale; nothing mutates it in place.
type Session struct {
	Token     string    `json:"token"`
	Expiry    time.Time `json:"expiry"`
	Role      Role      `json:"role"`
	PatientID string    `json:"patient_id,omitempty"`
}

// New builds a Session that satisfies the patient binding invariant:
// PatientID is set if and only if the role is patient. A patient id supplied
// for any other role is dropped.
func New(token string, expiresIn time.Duration, role Role, patientID string, now time.Time) (*Session, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	if expiresIn <= 0 {
		expiresIn = DefaultExpiresIn
	}
	if role == RolePatient {
		if patientID == "" {
			return nil, ErrMissingPatientBinding
		}
	} else {
		patientID = ""
	}
	return &Session{
		Token:     token,
		Expiry:    now.Add(expiresIn),
		Role:      role,
		PatientID: patientID,
	}, nil
}

// Expired reports whether the token is past its expiry at the given instant.
// A token is still valid at exactly its expiry timestamp.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.Expiry)
}

// IsPatient reports whether the session belongs to a patient-role user.
func (s *Session) IsPatient() bool {
	return s.Role == RolePatient
}

func (s *Session) clone() *Session {
	cp := *s
	return &cp
}

// Store keeps one Session per logical session key. Implementations must be
// safe for concurrent use.
type Store interface {
	// Create builds a session and stores it under key, replacing any prior one.
	Create(ctx context.Context, key, token string, expiresIn time.Duration, role Role, patientID string) (*Session, error)
	// Current returns the session stored under key, or nil when there is none.
	Current(ctx context.Context, key string) (*Session, error)
	// Clear removes the session stored under key. Clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error
}
