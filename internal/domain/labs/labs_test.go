package labs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/session"
	"github.com/ehr/genomic-gateway/internal/platform/upstream"
)

const labBundle = `{"resourceType":"Bundle","type":"searchset","entry":[{"fullUrl":"urn:obs-1","resource":{"resourceType":"Observation","id":"obs-1","code":{"text":"BRCA1"},"valueString":"c.68_69delAG"}}]}`

const patientDoc = `{"resourceType":"Patient","id":"12345","name":[{"family":"Doe"}]}`

// fakeEHR serves Patient and Observation reads and counts every request.
type fakeEHR struct {
	hits     atomic.Int32
	failures atomic.Int32
	body     map[string]string
}

func (f *fakeEHR) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.hits.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	for suffix, body := range f.body {
		if r.URL.Path == "/fhir/"+suffix {
			w.Header().Set("Content-Type", "application/fhir+json")
			w.Write([]byte(body))
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

type env struct {
	store *session.MemoryStore
	ehr   *fakeEHR
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := session.NewMemoryStore(0)
	ehr := &fakeEHR{body: map[string]string{
		"Patient":     patientDoc,
		"Observation": labBundle,
	}}
	srv := httptest.NewServer(ehr)
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})

	tokens := auth.NewTokenManager(store)
	exec := upstream.NewExecutor(tokens, srv.URL+"/fhir", upstream.WithImmediateRetry())
	return &env{
		store: store,
		ehr:   ehr,
		svc:   NewService(tokens, exec, DefaultRoles(), zerolog.Nop()),
	}
}

func (e *env) login(t *testing.T, key string, role session.Role, patientID string) {
	t.Helper()
	_, err := e.store.Create(context.Background(), key, "tok-"+key, time.Hour, role, patientID)
	require.NoError(t, err)
}
