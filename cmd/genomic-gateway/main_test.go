package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/genomic-gateway/internal/config"
	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/session"
)

const reportBundle = `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Observation","id":"o1","code":{"text":"TP53"}}}]}`

// fakeEpic serves the token endpoint and FHIR reads.
func fakeEpic(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("grant_type") != "client_credentials" {
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"svc-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/Observation", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(reportBundle))
	})
	mux.HandleFunc("/Patient", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Patient","id":"` + r.URL.Query().Get("patient") + `"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(base string) *config.Config {
	return &config.Config{
		Env:                    "test",
		FHIRAPIBase:            base,
		EpicClientID:           config.EpicNonProductionClientID,
		EpicClientSecret:       "secret",
		SessionSecret:          strings.Repeat("k", 32),
		SessionStore:           session.KindMemory,
		SessionCookieName:      auth.DefaultCookieName,
		UpstreamAttemptTimeout: 2 * time.Second,
		RetryBackoffInitial:    0,
		RetryBackoffMax:        0,
		RequestTimeout:         5 * time.Second,
		CORSOrigins:            []string{"http://localhost:3000"},
		RateLimitRPS:           1,
		RateLimitBurst:         10,
		MetricsEnabled:         true,
	}
}

type stubProvider struct{}

func (stubProvider) AuthCodeURL(state string) string { return "https://epic.test/authorize?state=" + state }
func (stubProvider) Exchange(context.Context, string) (*auth.LoginResult, error) {
	return nil, errors.New("not used")
}

type testServer struct {
	e     *echo.Echo
	store *session.MemoryStore
	codec *session.CookieCodec
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerFor(t, testConfig(fakeEpic(t).URL))
}

func newTestServerFor(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	store := session.NewMemoryStore(0)
	t.Cleanup(store.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e := newServer(ctx, cfg, zerolog.Nop(), serverDeps{store: store, provider: stubProvider{}, backend: session.KindMemory})
	return &testServer{
		e:     e,
		store: store,
		codec: session.NewCookieCodec([]byte(cfg.SessionSecret), session.DefaultExpiresIn),
	}
}

func (s *testServer) login(t *testing.T, role session.Role, patientID string) *http.Cookie {
	t.Helper()
	key := session.NewKey()
	_, err := s.store.Create(context.Background(), key, "user-token", time.Hour, role, patientID)
	require.NoError(t, err)
	value, err := s.codec.Issue(key)
	require.NoError(t, err)
	return &http.Cookie{Name: auth.DefaultCookieName, Value: value}
}

func (s *testServer) get(path string, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec = s.get("/health/db", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "memory store has no backend probe")
}

func TestServer_Dashboard(t *testing.T) {
	s := newTestServer(t)

	var body map[string]interface{}
	rec := s.get("/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["authenticated"])

	rec = s.get("/", s.login(t, session.RoleResearcher, ""))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "researcher", body["role"])
}

func TestServer_FetchRequiresSession(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/api/fetch_patient_data/12345", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"no valid session"}`, rec.Body.String())
}

func TestServer_ClinicianFetch(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, session.RoleClinician, "")

	rec := s.get("/api/fetch_patient_data/12345", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"resourceType":"Patient","id":"12345"}`, rec.Body.String())

	rec = s.get("/api/fetch_beaker_reports/12345", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reportBundle, rec.Body.String())
}

func TestServer_PatientCannotReadOthers(t *testing.T) {
	s := newTestServer(t)
	cookie := s.login(t, session.RolePatient, "12345")

	rec := s.get("/api/fetch_beaker_reports/67890", cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Access denied: Insufficient permissions"}`, rec.Body.String())
}

func TestServer_NotFoundIsJSON(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not Found"}`, rec.Body.String())
}

func TestServer_LoginRedirects(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/login", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://epic.test/authorize"))
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t)
	s.get("/api/fetch_beaker_reports/67890", s.login(t, session.RolePatient, "12345"))
	s.get("/api/fetch_patient_data/67890", s.login(t, session.RoleClinician, ""))

	rec := s.get("/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `genomic_gateway_patient_data_access_total{decision="denied",operation="fetch_beaker_reports",role="patient"} 1`)
	assert.Contains(t, body, `genomic_gateway_upstream_executions_total{attempts="1",resource="Patient",result="success"} 1`)
	assert.NotContains(t, body, "67890", "patient ids must not leak into metrics")
}

func TestServer_RateLimitsPerSession(t *testing.T) {
	s := newTestServer(t)
	limited := s.login(t, session.RoleClinician, "")
	other := s.login(t, session.RoleClinician, "")

	var last int
	for i := 0; i < 15; i++ {
		last = s.get("/api/fetch_patient_data/12345", limited).Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)

	rec := s.get("/api/fetch_patient_data/12345", other)
	assert.Equal(t, http.StatusOK, rec.Code, "budgets are per session")
}

func TestCallerKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	req.RemoteAddr = "10.0.0.7:1234"
	c := e.NewContext(req, httptest.NewRecorder())
	assert.Equal(t, "ip:10.0.0.7", callerKey(c))

	req = req.WithContext(auth.WithSessionKey(req.Context(), "abc"))
	c.SetRequest(req)
	assert.Equal(t, "s:abc", callerKey(c))
}

func TestJSONErrorHandler_PlainError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), rec)

	jsonErrorHandler(zerolog.Nop())(errors.New("boom"), c)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

func TestRunExport_WritesCSV(t *testing.T) {
	epic := fakeEpic(t)
	cfg := testConfig(epic.URL)
	out := filepath.Join(t.TempDir(), "report.csv")

	var status strings.Builder
	err := runExport(context.Background(), cfg, exportOptions{PatientID: "12345", Out: out, Role: "researcher"}, &status)
	require.NoError(t, err)
	assert.Contains(t, status.String(), "Report saved to")

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[0], "resource.code.text")
	assert.Contains(t, records[1], "TP53")
}

func TestRunExport_RoleIsEnforced(t *testing.T) {
	epic := fakeEpic(t)
	cfg := testConfig(epic.URL)
	out := filepath.Join(t.TempDir(), "report.csv")

	var status strings.Builder
	err := runExport(context.Background(), cfg, exportOptions{PatientID: "12345", Out: out, Role: "clinician"}, &status)
	require.Error(t, err)
	assert.Contains(t, status.String(), "Error fetching report")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no file on failure")
}

func TestRunExport_RequiresPatient(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	var status strings.Builder
	err := runExport(context.Background(), testConfig(srv.URL), exportOptions{Out: "-", Role: "researcher"}, &status)
	require.EqualError(t, err, "--patient is required")
	assert.Zero(t, hits, "no token request without a patient")
}

func TestRunExport_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	var status strings.Builder
	err := runExport(context.Background(), testConfig(srv.URL), exportOptions{PatientID: "1", Out: "-", Role: "researcher"}, &status)
	require.Error(t, err)
	assert.Contains(t, status.String(), "Authentication error")
}

func TestSessionMigrations(t *testing.T) {
	migs := sessionMigrations()
	require.Len(t, migs, 1)
	assert.Equal(t, 1, migs[0].Version)
	assert.Contains(t, migs[0].SQL, "user_sessions")
}

func TestNewLogger_Level(t *testing.T) {
	cfg := testConfig("http://x")
	cfg.LogLevel = "warn"
	assert.Equal(t, zerolog.WarnLevel, newLogger(cfg).GetLevel())

	cfg.LogLevel = "bogus"
	assert.Equal(t, zerolog.InfoLevel, newLogger(cfg).GetLevel())
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "export"} {
		assert.True(t, names[want], "missing %s command", want)
	}
}

func TestServer_RejectsMalformedPatientID(t *testing.T) {
	s := newTestServer(t)

	rec := s.get("/api/fetch_patient_data/%2e%2e", s.login(t, session.RoleClinician, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid patient identifier")
}

func TestServer_RequestTimeoutUnderLoad(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"123"}`))
	}))
	t.Cleanup(slow.Close)

	cfg := testConfig(slow.URL)
	cfg.RequestTimeout = 30 * time.Millisecond
	s := newTestServerFor(t, cfg)

	gw := httptest.NewServer(s.e)
	t.Cleanup(gw.Close)

	const n = 20
	cookies := make([]*http.Cookie, n)
	for i := range cookies {
		cookies[i] = s.login(t, session.RoleClinician, "")
	}

	var wg sync.WaitGroup
	codes := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, gw.URL+"/api/fetch_patient_data/123", nil)
			if err != nil {
				errs[i] = err
				return
			}
			req.AddCookie(cookies[i])
			resp, err := gw.Client().Do(req)
			if err != nil {
				errs[i] = err
				return
			}
			defer resp.Body.Close()
			var body map[string]string
			errs[i] = json.NewDecoder(resp.Body).Decode(&body)
			if errs[i] == nil && body["error"] == "" {
				errs[i] = errors.New("missing error message")
			}
			codes[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "request %d", i)
		assert.Equal(t, http.StatusGatewayTimeout, codes[i], "request %d", i)
	}
}
