package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// maxPatientIDLen bounds the identifier forwarded to the EHR.
const maxPatientIDLen = 128

// Script injection patterns (block).
var scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

// PatientParam rejects requests whose :patient_id path parameter is empty,
// oversized, or carries traversal sequences, control characters or markup.
// Identifiers are forwarded upstream as a query value, so anything else is
// passed through untouched. Routes without the parameter are not checked.
func PatientParam(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !hasParam(c, "patient_id") {
				return next(c)
			}

			raw := c.Param("patient_id")
			id, err := url.PathUnescape(raw)
			if err != nil {
				id = raw
			}
			if reason := invalidPatientID(raw, id); reason != "" {
				logger.Warn().
					Str("request_id", requestID(c)).
					Str("path", c.Request().URL.Path).
					Str("remote_ip", c.RealIP()).
					Str("reason", reason).
					Msg("rejected patient identifier")
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid patient identifier: " + reason})
			}
			return next(c)
		}
	}
}

func hasParam(c echo.Context, name string) bool {
	for _, n := range c.ParamNames() {
		if n == name {
			return true
		}
	}
	return false
}

func invalidPatientID(raw, decoded string) string {
	switch {
	case strings.TrimSpace(decoded) == "":
		return "empty"
	case len(decoded) > maxPatientIDLen:
		return "too long"
	case containsPathTraversal(raw) || containsPathTraversal(decoded):
		return "path traversal"
	case containsNullByte(raw) || containsNullByte(decoded):
		return "null byte"
	case containsControl(decoded):
		return "control character"
	case scriptPatterns.MatchString(decoded):
		return "markup"
	}
	return ""
}

// containsPathTraversal checks for path traversal sequences in raw and
// percent-encoded forms.
func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

// containsNullByte checks for null bytes in raw and percent-encoded forms.
func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

func containsControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
