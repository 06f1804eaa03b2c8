// Package labs exposes the patient and lab report reads of the gateway and
// the research consumers built on top of them.
package labs

import (
	"context"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/session"
	"github.com/ehr/genomic-gateway/internal/platform/upstream"
)

// Fetcher reads one FHIR resource type for callers holding one of its roles.
// The role check runs here; the executor adds the patient self-access check.
type Fetcher struct {
	resource upstream.Resource
	roles    []session.Role
	tokens   *auth.TokenManager
	exec     *upstream.Executor
}

// NewFetcher binds resource to the roles allowed to read it.
func NewFetcher(resource upstream.Resource, roles []session.Role, tokens *auth.TokenManager, exec *upstream.Executor) *Fetcher {
	r := make([]session.Role, len(roles))
	copy(r, roles)
	return &Fetcher{resource: resource, roles: r, tokens: tokens, exec: exec}
}

// Fetch reads the resource for patientID on behalf of the session under key.
func (f *Fetcher) Fetch(ctx context.Context, key, patientID string) upstream.Result {
	sess, err := f.tokens.Session(ctx, key)
	if err != nil || sess == nil {
		return upstream.Failed(upstream.KindUnauthenticated, auth.ReasonNoSession, 0)
	}
	if d := auth.CheckRole(sess, f.roles); !d.Allowed {
		return upstream.Failed(upstream.KindForbidden, d.Reason, 0)
	}
	return f.exec.Execute(ctx, key, f.resource, patientID)
}
