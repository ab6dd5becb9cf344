package reports

import (
	"encoding/json"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// Report is the backend's report record.
type Report = apiclient.Report

// StructuredData is the normalized extraction of one or more reports.
type StructuredData struct {
	Diagnosis   []string `json:"diagnosis"`
	Medications []string `json:"medications"`
	Allergies   []string `json:"allergies"`
	Notes       []string `json:"notes"`
}

// NewStructuredData returns a StructuredData with empty, non-nil sequences so
// it always encodes as arrays.
func NewStructuredData() StructuredData {
	return StructuredData{
		Diagnosis:   []string{},
		Medications: []string{},
		Allergies:   []string{},
		Notes:       []string{},
	}
}

// MergedContext is the concatenation of every report's structured data and
// summary. It is rebuilt from scratch on every load.
type MergedContext struct {
	Structured StructuredData `json:"structured"`
	Summary    string         `json:"summary"`
}

// StructuredJSON encodes the merged structured data in the shape the chat
// endpoint expects for structured_data.
func (m MergedContext) StructuredJSON() (json.RawMessage, error) {
	return json.Marshal(m.Structured)
}

// VisitView is a patient record together with its reports and their merged
// context.
type VisitView struct {
	Patient json.RawMessage `json:"patient"`
	Reports []Report        `json:"reports"`
	Context MergedContext   `json:"context"`
}
