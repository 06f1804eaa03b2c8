package labs

import (
	"encoding/json"
)

// PendingComputation fills every twin field that has no model behind it yet.
const PendingComputation = "Pending AI-based computation"

// DigitalTwin is the mutation analysis record assembled from a lab report.
// Only GenomicProfile carries data; the analysis fields are placeholders.
type DigitalTwin struct {
	PatientID             string            `json:"patient_id"`
	GenomicProfile        []json.RawMessage `json:"genomic_profile"`
	EvolutionAnalysis     string            `json:"evolution_analysis"`
	CharacteristicMapping string            `json:"characteristic_mapping"`
	DrugDiscovery         string            `json:"drug_discovery"`
}

// NewDigitalTwin echoes the lab report entries verbatim into the genomic
// profile.
func NewDigitalTwin(patientID string, entries []json.RawMessage) *DigitalTwin {
	if entries == nil {
		entries = []json.RawMessage{}
	}
	return &DigitalTwin{
		PatientID:             patientID,
		GenomicProfile:        entries,
		EvolutionAnalysis:     PendingComputation,
		CharacteristicMapping: PendingComputation,
		DrugDiscovery:         PendingComputation,
	}
}
