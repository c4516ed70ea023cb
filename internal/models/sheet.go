package models

import "strings"

// SheetKind names a batch-edit screen.
type SheetKind string

const (
	SheetKindResults    SheetKind = "results"
	SheetKindAttendance SheetKind = "attendance"
)

// RowStatus is the edit state of one sheet row.
type RowStatus string

const (
	// RowUneditedSaved matches its baseline and a persisted record exists.
	RowUneditedSaved RowStatus = "unedited-saved"
	// RowUneditedEmpty matches its baseline and nothing is persisted yet.
	RowUneditedEmpty RowStatus = "unedited-empty"
	// RowPending differs from its baseline and passes validation so far.
	RowPending RowStatus = "pending"
	// RowInvalid differs from its baseline and failed validation.
	RowInvalid RowStatus = "invalid"
)

// RowEntity is a row subject returned by the row listing (usually a student).
type RowEntity struct {
	Identity   string            `json:"identity"`
	Label      string            `json:"label"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Record is a persisted set of field values for one row identity.
type Record struct {
	Identity string            `json:"identity"`
	Values   map[string]string `json:"values"`
}

// EditRow is one editable row tracked against its baseline.
type EditRow struct {
	Identity        string            `json:"identity"`
	Label           string            `json:"label"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Current         map[string]string `json:"current"`
	Baseline        map[string]string `json:"baseline"`
	HasServerRecord bool              `json:"has_server_record"`
	Status          RowStatus         `json:"status"`
	ValidationError string            `json:"validation_error,omitempty"`
}

// Clone returns a deep copy safe to hand outside the owning reconciler.
func (r EditRow) Clone() EditRow {
	clone := r
	clone.Current = copyValues(r.Current)
	clone.Baseline = copyValues(r.Baseline)
	clone.Attributes = copyValues(r.Attributes)
	return clone
}

// Dirty reports whether any field differs from the baseline after trimming.
func (r EditRow) Dirty() bool {
	for field, value := range r.Current {
		if strings.TrimSpace(value) != strings.TrimSpace(r.Baseline[field]) {
			return true
		}
	}
	for field, value := range r.Baseline {
		if _, ok := r.Current[field]; !ok && strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}

func copyValues(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
