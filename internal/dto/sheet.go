package dto

import (
	"time"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/models"
)

// OpenSheetRequest captures POST /sheets payload.
type OpenSheetRequest struct {
	Kind   models.SheetKind  `json:"kind" validate:"required,oneof=results attendance"`
	Filter map[string]string `json:"filter" validate:"required"`
}

// UpdateRowRequest captures PATCH /sheets/:id/rows/:identity payload.
type UpdateRowRequest struct {
	Values map[string]string `json:"values" validate:"required,min=1"`
}

// ExportQuery captures GET /sheets/:id/export query parameters.
type ExportQuery struct {
	Format string `form:"format" validate:"omitempty,oneof=csv pdf"`
}

// SheetView is the full state of a sheet session.
type SheetView struct {
	ID        string                   `json:"id"`
	Kind      models.SheetKind         `json:"kind"`
	Schema    batch.Schema             `json:"schema"`
	Filter    map[string]string        `json:"filter"`
	Rows      []models.EditRow         `json:"rows"`
	Summary   map[models.RowStatus]int `json:"summary"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// SubmitSheetResponse is returned after a successful batch submission.
type SubmitSheetResponse struct {
	Result *batch.SubmitResult `json:"result"`
	Sheet  *SheetView          `json:"sheet"`
}

// ExportFile is a rendered sheet export.
type ExportFile struct {
	Filename    string
	ContentType string
	Body        []byte
}
