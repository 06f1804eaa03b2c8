package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AccessEntry records one read of patient data through the gateway.
type AccessEntry struct {
	Timestamp  time.Time
	RequestID  string
	Role       string
	Operation  string
	PatientID  string
	Path       string
	RemoteIP   string
	StatusCode int
}

// Denied reports whether the gateway refused the read.
func (e AccessEntry) Denied() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return false
}

// AccessRecorder persists access entries somewhere other than the log.
type AccessRecorder interface {
	RecordAccess(entry AccessEntry) error
}

// AccessRecorderFunc is a function adapter for AccessRecorder.
type AccessRecorderFunc func(entry AccessEntry) error

func (f AccessRecorderFunc) RecordAccess(entry AccessEntry) error {
	return f(entry)
}

// AccessAudit logs every request under /api/ after it completes: who asked,
// for which patient, and whether the gateway let it through. Denied reads are
// logged at warn level.
func AccessAudit(logger zerolog.Logger, role RoleFunc, recorders ...AccessRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, "/api/") {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Timestamp:  time.Now().UTC(),
				RequestID:  requestID(c),
				Operation:  operationOf(path),
				PatientID:  c.Param("patient_id"),
				Path:       path,
				RemoteIP:   c.RealIP(),
				StatusCode: statusOf(c, err),
			}
			if role != nil {
				entry.Role = role(c)
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record access entry")
				}
			}

			evt := logger.Info()
			if entry.Denied() {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("role", entry.Role).
				Str("operation", entry.Operation).
				Str("patient_id", entry.PatientID).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.StatusCode).
				Bool("denied", entry.Denied()).
				Msg("patient data access")

			return err
		}
	}
}

// statusOf returns the status the client will see. An error not yet written
// is rendered later by the error handler, so its code wins over the default
// 200 still on the response.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// operationOf names the gateway operation from a path such as
// /api/fetch_beaker_reports/123 or /api/export/beaker_report/123.
func operationOf(path string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/"), "/"), "/")
	switch {
	case len(segments) >= 3:
		return segments[0] + "/" + segments[1]
	case len(segments) >= 1 && segments[0] != "":
		return segments[0]
	default:
		return "unknown"
	}
}
