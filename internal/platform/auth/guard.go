package auth

import (
	"github.com/ehr/genomic-gateway/internal/platform/session"
)

// Denial messages returned to callers in the {"error": ...} body.
const (
	ReasonInsufficientRole = "Access denied: Insufficient permissions"
	ReasonNotOwnRecord     = "Access denied: You can only access your own data"
	ReasonNoSession        = "no valid session"
)

// Decision is the outcome of a single authorization check. It is computed
// per request and never persisted.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow returns a permitting decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a rejecting decision carrying reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// CheckRole allows the session only if its role is one of required. The role
// set belongs to the route; the guard holds no role table of its own.
func CheckRole(sess *session.Session, required []session.Role) Decision {
	if sess == nil {
		return Deny(ReasonInsufficientRole)
	}
	for _, r := range required {
		if sess.Role == r {
			return Allow()
		}
	}
	return Deny(ReasonInsufficientRole)
}

// CheckPatientSelfAccess denies a patient-role session asking for anyone
// other than its bound patient. Every other role passes: staff may query any
// patient identifier.
func CheckPatientSelfAccess(sess *session.Session, requestedPatientID string) Decision {
	if sess != nil && sess.IsPatient() && sess.PatientID != requestedPatientID {
		return Deny(ReasonNotOwnRecord)
	}
	return Allow()
}
