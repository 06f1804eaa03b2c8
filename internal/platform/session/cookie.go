package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const cookieIssuer = "genomic-gateway"

// ErrInvalidCookie is returned when a session cookie fails verification.
var ErrInvalidCookie = errors.New("invalid session cookie")

// CookieCodec signs and verifies the session cookie. The cookie carries only
// an opaque session key; the token and claims stay server side in the Store.
type CookieCodec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewCookieCodec returns a codec that signs with HS256.
func NewCookieCodec(secret []byte, maxAge time.Duration) *CookieCodec {
	return &CookieCodec{secret: secret, maxAge: maxAge, now: time.Now}
}

// NewKey generates a fresh session key.
func NewKey() string {
	return uuid.NewString()
}

// MaxAge is the lifetime of issued cookies.
func (c *CookieCodec) MaxAge() time.Duration {
	return c.maxAge
}

// Issue returns a signed cookie value for the given session key.
func (c *CookieCodec) Issue(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	now := c.now()
	claims := jwt.RegisteredClaims{
		Issuer:    cookieIssuer,
		Subject:   key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.maxAge)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session cookie: %w", err)
	}
	return signed, nil
}

// Parse verifies a cookie value and returns the session key it carries.
func (c *CookieCodec) Parse(value string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(value, claims, func(t *jwt.Token) (interface{}, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cookieIssuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidCookie
	}
	if claims.Subject == "" {
		return "", ErrInvalidCookie
	}
	return claims.Subject, nil
}
