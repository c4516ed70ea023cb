package batch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrScopeIncomplete is returned when a load is requested before its scope is chosen.
	ErrScopeIncomplete = errors.New("sheet scope incomplete")
	// ErrUnknownRow is returned for an identity that is not part of the loaded sheet.
	ErrUnknownRow = errors.New("unknown row")
	// ErrUnknownField is returned for a field the schema does not declare.
	ErrUnknownField = errors.New("unknown field")
	// ErrNotLoaded is returned when submitting before a successful load.
	ErrNotLoaded = errors.New("sheet not loaded")
)

const fallbackSubmitMessage = "failed to submit batch"

// ScopeError lists the required scope keys that were missing.
type ScopeError struct {
	Missing []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("%v: missing %s", ErrScopeIncomplete, strings.Join(e.Missing, ", "))
}

func (e *ScopeError) Unwrap() error {
	return ErrScopeIncomplete
}

// RowError is a validation failure of one row.
type RowError struct {
	Identity string `json:"identity"`
	Label    string `json:"label,omitempty"`
	Field    string `json:"field"`
	Message  string `json:"message"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %s: %s", e.Identity, e.Message)
}

// ValidationErrors carries every invalid row of a submission attempt.
type ValidationErrors struct {
	Rows []RowError
}

func (e *ValidationErrors) Error() string {
	if len(e.Rows) == 1 {
		return e.Rows[0].Error()
	}
	return fmt.Sprintf("%d rows failed validation", len(e.Rows))
}

// LoadError wraps a failed row or record fetch.
type LoadError struct {
	Stage string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Stage, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// SubmitError wraps a rejected or failed submission. Message is the server's own
// message when it sent one.
type SubmitError struct {
	Message string
	Err     error
}

func (e *SubmitError) Error() string {
	return e.Message
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}

type serverMessager interface {
	ServerMessage() string
}

func newSubmitError(err error) *SubmitError {
	var sm serverMessager
	if errors.As(err, &sm) {
		if msg := strings.TrimSpace(sm.ServerMessage()); msg != "" {
			return &SubmitError{Message: msg, Err: err}
		}
	}
	return &SubmitError{Message: fallbackSubmitMessage, Err: err}
}
