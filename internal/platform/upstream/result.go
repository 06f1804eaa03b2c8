// Package upstream performs authorized, bounded-retry reads against the EHR
// FHIR API and reports every outcome as a value.
package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Resource names a FHIR resource type the gateway reads.
type Resource string

const (
	ResourcePatient     Resource = "Patient"
	ResourceObservation Resource = "Observation"
)

// Kind classifies a failed execution.
type Kind string

const (
	// KindUnauthenticated: no session or an expired token. The user must log in again.
	KindUnauthenticated Kind = "Unauthenticated"
	// KindForbidden: the role or self-access check failed. Never retried.
	KindForbidden Kind = "Forbidden"
	// KindUpstreamUnavailable: transport or HTTP failure after the retry budget.
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	// KindMalformedResponse: a 2xx response whose body is not JSON. Never retried.
	KindMalformedResponse Kind = "MalformedResponse"
)

// Failure describes why an execution produced no payload.
type Failure struct {
	Kind     Kind
	Message  string
	Attempts int
	// Timeout is set when the last attempt ran out of time.
	Timeout bool
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// HTTPStatus maps the failure kind to the status the web layer returns.
func (f *Failure) HTTPStatus() int {
	switch f.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindUpstreamUnavailable:
		if f.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case KindMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Result is either a success carrying the upstream JSON document verbatim,
// or a Failure. Exactly one of Payload and failure is set.
type Result struct {
	Payload  json.RawMessage
	Attempts int
	failure  *Failure
}

// Succeeded builds a success result.
func Succeeded(payload json.RawMessage, attempts int) Result {
	return Result{Payload: payload, Attempts: attempts}
}

// Failed builds a failure result.
func Failed(kind Kind, message string, attempts int) Result {
	return Result{
		Attempts: attempts,
		failure:  &Failure{Kind: kind, Message: message, Attempts: attempts},
	}
}

func failedTimeout(message string, attempts int, timeout bool) Result {
	r := Failed(KindUpstreamUnavailable, message, attempts)
	r.failure.Timeout = timeout
	return r
}

// OK reports whether the result is a success.
func (r Result) OK() bool { return r.failure == nil }

// Err returns the failure, or nil on success.
func (r Result) Err() *Failure { return r.failure }

// Entries splits a Bundle payload into its "entry" items, each kept verbatim.
// A payload without entries yields an empty slice; a payload that is not a
// JSON object is an error.
func (r Result) Entries() ([]json.RawMessage, error) {
	if !r.OK() {
		return nil, r.failure
	}
	var bundle struct {
		Entry []json.RawMessage `json:"entry"`
	}
	if err := json.Unmarshal(r.Payload, &bundle); err != nil {
		return nil, fmt.Errorf("decode bundle entries: %w", err)
	}
	if bundle.Entry == nil {
		return []json.RawMessage{}, nil
	}
	return bundle.Entry, nil
}
