package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
)

const (
	// DefaultAttemptTimeout bounds a single upstream call.
	DefaultAttemptTimeout = 10 * time.Second
	// DefaultBackoffInitial is the wait before the first retry.
	DefaultBackoffInitial = 200 * time.Millisecond
	// DefaultBackoffMax caps the wait between retries.
	DefaultBackoffMax = 2 * time.Second

	maxBodyBytes = 32 << 20
)

// errTooLarge marks a 2xx response whose body exceeds the read limit.
var errTooLarge = errors.New("upstream response too large")

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the HTTP client. Its own Timeout, if any, applies
// in addition to the per-attempt timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithAttemptTimeout sets the deadline of each attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.attemptTimeout = d
		}
	}
}

// WithBackOff sets exponential pacing between retries.
func WithBackOff(initial, max time.Duration) Option {
	return func(e *Executor) {
		e.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		}
	}
}

// WithImmediateRetry retries without waiting.
func WithImmediateRetry() Option {
	return func(e *Executor) {
		e.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
}

// WithLogger sets the logger that receives one entry per attempt.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// Observer receives one call per upstream attempt and one per execution.
type Observer interface {
	ObserveAttempt(resource string, attempt, status int, outcome string, latency time.Duration)
	ObserveResult(resource, result string, attempts int)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, int, int, string, time.Duration) {}
func (nopObserver) ObserveResult(string, string, int)                      {}

// WithObserver reports attempts and results to o, typically a metrics provider.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observer = o
		}
	}
}

// Executor performs one authorized FHIR read with a fixed retry budget. It
// keeps no state between calls.
type Executor struct {
	tokens         *auth.TokenManager
	baseURL        string
	client         *http.Client
	attemptTimeout time.Duration
	newBackOff     func() backoff.BackOff
	logger         zerolog.Logger
	observer       Observer
	maxBody        int64
}

// NewExecutor creates an executor reading from baseURL with tokens from tm.
func NewExecutor(tm *auth.TokenManager, baseURL string, opts ...Option) *Executor {
	e := &Executor{
		tokens:         tm,
		baseURL:        strings.TrimRight(baseURL, "/"),
		client:         &http.Client{},
		attemptTimeout: DefaultAttemptTimeout,
		logger:         zerolog.Nop(),
		observer:       nopObserver{},
		maxBody:        maxBodyBytes,
	}
	WithBackOff(DefaultBackoffInitial, DefaultBackoffMax)(e)
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute reads resource for patientID on behalf of the session under key.
//
// The self-access check and the token check run before any network call;
// failing either returns with zero attempts. The upstream call is then tried
// up to MaxAttempts times, stopping at the first 2xx. Execute never panics
// and never returns an error: every outcome is a Result.
func (e *Executor) Execute(ctx context.Context, key string, resource Resource, patientID string) Result {
	res := e.execute(ctx, key, resource, patientID)
	result := "success"
	if !res.OK() {
		result = string(res.Err().Kind)
	}
	e.observer.ObserveResult(string(resource), result, res.Attempts)
	return res
}

func (e *Executor) execute(ctx context.Context, key string, resource Resource, patientID string) Result {
	sess, err := e.tokens.Session(ctx, key)
	if err != nil {
		e.logger.Error().Err(err).Str("resource", string(resource)).Msg("session lookup failed")
		return Failed(KindUnauthenticated, auth.ReasonNoSession, 0)
	}

	if d := auth.CheckPatientSelfAccess(sess, patientID); !d.Allowed {
		e.logger.Warn().
			Str("resource", string(resource)).
			Str("patient_id", patientID).
			Msg("patient attempted to access unauthorized data")
		return Failed(KindForbidden, d.Reason, 0)
	}

	token, err := e.tokens.TokenOf(sess)
	if err != nil {
		e.logger.Warn().Str("resource", string(resource)).Msg("token expired or missing, user must reauthenticate")
		return Failed(KindUnauthenticated, auth.ReasonNoSession, 0)
	}

	target := e.resourceURL(resource, patientID)
	m := NewMachine(MaxAttempts)
	pacing := e.newBackOff()

	for m.Next() {
		if m.Attempt() > 1 {
			if err := wait(ctx, pacing.NextBackOff()); err != nil {
				m.Abort(err)
				break
			}
		}
		if err := ctx.Err(); err != nil {
			m.Abort(err)
			break
		}

		start := time.Now()
		body, status, err := e.attempt(ctx, target, token)
		latency := time.Since(start)
		evt := e.logger.Info()
		outcome := "success"
		if err != nil {
			evt = e.logger.Warn().Err(err)
			outcome = "failure"
		}
		evt.
			Str("resource", string(resource)).
			Str("patient_id", patientID).
			Int("attempt", m.Attempt()).
			Int("status", status).
			Dur("latency", latency).
			Str("outcome", outcome).
			Msg("upstream attempt")
		e.observer.ObserveAttempt(string(resource), m.Attempt(), status, outcome, latency)

		if errors.Is(err, errTooLarge) {
			e.logger.Error().
				Str("resource", string(resource)).
				Str("patient_id", patientID).
				Int("attempt", m.Attempt()).
				Int64("limit_bytes", e.maxBody).
				Msg("upstream response exceeds size limit")
			return Failed(KindMalformedResponse,
				fmt.Sprintf("upstream response exceeds %d bytes", e.maxBody), m.Attempt())
		}
		if err != nil {
			m.Fail(err)
			continue
		}

		if !json.Valid(body) {
			e.logger.Error().
				Str("resource", string(resource)).
				Str("patient_id", patientID).
				Int("attempt", m.Attempt()).
				Msg("upstream returned unparsable payload")
			return Failed(KindMalformedResponse, "upstream returned an unparsable payload", m.Attempt())
		}
		m.Succeed()
		return Succeeded(json.RawMessage(body), m.Attempt())
	}

	last := m.LastErr()
	if m.State() == StateAborted {
		return failedTimeout(
			fmt.Sprintf("API request aborted after %d attempts: %v", m.Attempt(), last),
			m.Attempt(), errors.Is(last, context.DeadlineExceeded))
	}
	return failedTimeout(
		fmt.Sprintf("API request failed after %d attempts: %v", m.Attempt(), last),
		m.Attempt(), isTimeout(last))
}

func (e *Executor) resourceURL(resource Resource, patientID string) string {
	q := url.Values{}
	q.Set("patient", patientID)
	return e.baseURL + "/" + string(resource) + "?" + q.Encode()
}

// attempt performs a single GET. A non-2xx status is an error.
func (e *Executor) attempt(ctx context.Context, target, token string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	// One byte past the limit tells a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > e.maxBody {
		return nil, resp.StatusCode, errTooLarge
	}
	return body, resp.StatusCode, nil
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, http.StatusText(e.Code))
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
