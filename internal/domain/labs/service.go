package labs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/genomic-gateway/internal/platform/auth"
	"github.com/ehr/genomic-gateway/internal/platform/export"
	"github.com/ehr/genomic-gateway/internal/platform/session"
	"github.com/ehr/genomic-gateway/internal/platform/upstream"
)

// Roles declares who may call each operation.
type Roles struct {
	Patient   []session.Role
	LabReport []session.Role
	Export    []session.Role
	Twin      []session.Role
}

// DefaultRoles gives clinicians the raw reads and researchers the derived
// outputs.
func DefaultRoles() Roles {
	return Roles{
		Patient:   []session.Role{session.RoleClinician},
		LabReport: []session.Role{session.RoleClinician},
		Export:    []session.Role{session.RoleResearcher},
		Twin:      []session.Role{session.RoleResearcher},
	}
}

type Service struct {
	patient   *Fetcher
	labReport *Fetcher
	exportLab *Fetcher
	twinLab   *Fetcher
	logger    zerolog.Logger
}

func NewService(tokens *auth.TokenManager, exec *upstream.Executor, roles Roles, logger zerolog.Logger) *Service {
	return &Service{
		patient:   NewFetcher(upstream.ResourcePatient, roles.Patient, tokens, exec),
		labReport: NewFetcher(upstream.ResourceObservation, roles.LabReport, tokens, exec),
		exportLab: NewFetcher(upstream.ResourceObservation, roles.Export, tokens, exec),
		twinLab:   NewFetcher(upstream.ResourceObservation, roles.Twin, tokens, exec),
		logger:    logger,
	}
}

// FetchPatient reads the Patient resource.
func (s *Service) FetchPatient(ctx context.Context, key, patientID string) upstream.Result {
	return s.patient.Fetch(ctx, key, patientID)
}

// FetchLabReport reads the Observation (Beaker report) resource.
func (s *Service) FetchLabReport(ctx context.Context, key, patientID string) upstream.Result {
	return s.labReport.Fetch(ctx, key, patientID)
}

// ExportLabReportCSV flattens the lab report entries into a table. A failed
// read is returned as *upstream.Failure.
func (s *Service) ExportLabReportCSV(ctx context.Context, key, patientID string) (*export.Table, error) {
	entries, err := reportEntries(s.exportLab.Fetch(ctx, key, patientID))
	if err != nil {
		return nil, err
	}
	t, err := export.FromEntries(entries)
	if err != nil {
		return nil, &upstream.Failure{
			Kind:    upstream.KindMalformedResponse,
			Message: fmt.Sprintf("lab report entries cannot be flattened: %v", err),
		}
	}
	s.logger.Info().
		Str("patient_id", patientID).
		Int("rows", len(t.Rows)).
		Msg("lab report CSV generated")
	return t, nil
}

// DigitalTwin assembles the twin record from the lab report.
func (s *Service) DigitalTwin(ctx context.Context, key, patientID string) (*DigitalTwin, error) {
	entries, err := reportEntries(s.twinLab.Fetch(ctx, key, patientID))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", patientID).Int("entries", len(entries)).Msg("generating digital twin")
	return NewDigitalTwin(patientID, entries), nil
}

// reportEntries unwraps a lab report read. A failed read comes back as its
// *upstream.Failure; a payload that is not a bundle is MalformedResponse.
func reportEntries(res upstream.Result) ([]json.RawMessage, error) {
	if !res.OK() {
		return nil, res.Err()
	}
	entries, err := res.Entries()
	if err != nil {
		return nil, &upstream.Failure{
			Kind:     upstream.KindMalformedResponse,
			Message:  fmt.Sprintf("lab report is not a bundle: %v", err),
			Attempts: res.Attempts,
		}
	}
	return entries, nil
}
