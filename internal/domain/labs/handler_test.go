package labs

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/session"
)

func newTestServer(e *env) *echo.Echo {
	srv := echo.New()
	// Stands in for the cookie middleware: the session key travels in a header.
	srv.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key := c.Request().Header.Get("X-Test-Session"); key != "" {
				c.SetRequest(c.Request().WithContext(auth.WithSessionKey(c.Request().Context(), key)))
			}
			return next(c)
		}
	})
	NewHandler(e.svc).RegisterRoutes(srv.Group("/api"))
	return srv
}

func get(srv *echo.Echo, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-Test-Session", key)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestHandler_FetchBeakerReports(t *testing.T) {
	e := newEnv(t)
	e.login(t, "doc", session.RoleClinician, "")
	srv := newTestServer(e)

	rec := get(srv, "/api/fetch_beaker_reports/67890", "doc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, labBundle, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON))
}

func TestHandler_StatusMapping(t *testing.T) {
	e := newEnv(t)
	e.login(t, "res", session.RoleResearcher, "")
	e.login(t, "doc", session.RoleClinician, "")
	srv := newTestServer(e)

	rec := get(srv, "/api/fetch_patient_data/12345", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, auth.ReasonNoSession, errorBody(t, rec))

	rec = get(srv, "/api/fetch_patient_data/12345", "res")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, auth.ReasonInsufficientRole, errorBody(t, rec))

	e.ehr.failures.Store(3)
	rec = get(srv, "/api/fetch_patient_data/12345", "doc")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, errorBody(t, rec), "API request failed after 3 attempts")
}

func TestHandler_ExportBeakerReport(t *testing.T) {
	e := newEnv(t)
	e.login(t, "res", session.RoleResearcher, "")
	srv := newTestServer(e)

	rec := get(srv, "/api/export/beaker_report/67890", "res")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), `beaker_report_67890.csv`)

	records, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[0], "resource.valueString")

	rec = get(srv, "/api/export/beaker_report/67890", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_DigitalTwin(t *testing.T) {
	e := newEnv(t)
	e.login(t, "res", session.RoleResearcher, "")
	e.login(t, "doc", session.RoleClinician, "")
	srv := newTestServer(e)

	rec := get(srv, "/api/digital_twin/67890", "res")
	require.Equal(t, http.StatusOK, rec.Code)

	var twin map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &twin))
	assert.Equal(t, "67890", twin["patient_id"])
	assert.Equal(t, PendingComputation, twin["drug_discovery"])
	assert.Len(t, twin["genomic_profile"], 1)

	rec = get(srv, "/api/digital_twin/67890", "doc")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_.._c", sanitizeFilename("a/b?../c"))
	assert.Equal(t, "Pt-1.2_x", sanitizeFilename("Pt-1.2_x"))
}
