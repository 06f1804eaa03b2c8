package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ehr/genomic-gateway/internal/platform/session"
)

// DefaultScopes are requested from Epic on login.
var DefaultScopes = []string{"patient/*.read", "user/*.read"}

// ErrStateMismatch is returned when the callback state does not match the
// value issued at login.
var ErrStateMismatch = errors.New("oauth state mismatch")

// LoginResult is everything the gateway takes from a completed login.
type LoginResult struct {
	AccessToken string
	ExpiresIn   time.Duration
	UserRole    session.Role
	Patient     string
}

// LoginProvider runs the authorization-code dance with the EHR.
type LoginProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*LoginResult, error)
}

// EpicConfig holds the OAuth client registration for Epic.
type EpicConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
}

// EpicProvider is a LoginProvider backed by golang.org/x/oauth2.
type EpicProvider struct {
	oauth *oauth2.Config
	now   func() time.Time
}

// NewEpicProvider builds the provider. Scopes default to DefaultScopes.
func NewEpicProvider(cfg EpicConfig) *EpicProvider {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &EpicProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		now: time.Now,
	}
}

func (p *EpicProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Exchange trades the authorization code for a token and reads the Epic
// launch claims off the token response. A missing user_role means patient.
func (p *EpicProvider) Exchange(ctx context.Context, code string) (*LoginResult, error) {
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return resultFromToken(tok, p.now()), nil
}

func resultFromToken(tok *oauth2.Token, now time.Time) *LoginResult {
	res := &LoginResult{
		AccessToken: tok.AccessToken,
		UserRole:    session.RolePatient,
	}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = tok.Expiry.Sub(now)
	}
	if role := extraString(tok, "user_role"); role != "" {
		res.UserRole = session.Role(role)
	}
	res.Patient = extraString(tok, "patient")
	return res
}

// extraString reads a token response field that may arrive as a JSON string
// or number.
func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// ServiceCredentials configures the client-credentials grant used by batch
// jobs that run without an interactive user.
type ServiceCredentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// ServiceToken obtains an access token with the client-credentials grant.
func ServiceToken(ctx context.Context, creds ServiceCredentials) (*LoginResult, error) {
	cc := &clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		Scopes:       creds.Scopes,
	}
	tok, err := cc.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials token: %w", err)
	}
	res := &LoginResult{AccessToken: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		res.ExpiresIn = time.Until(tok.Expiry)
	}
	return res, nil
}

// newState generates the opaque OAuth state value.
func newState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// statesEqual compares in constant time.
func statesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
