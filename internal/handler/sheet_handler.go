package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-console/internal/dto"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
	"github.com/noah-isme/sma-adp-console/pkg/response"
)

// IdempotencyHeader lets clients retry a submission without writing twice.
const IdempotencyHeader = "Idempotency-Key"

type sheetService interface {
	Open(ctx context.Context, owner string, req dto.OpenSheetRequest) (*dto.SheetView, error)
	Get(ctx context.Context, owner, id string) (*dto.SheetView, error)
	UpdateRow(ctx context.Context, owner, id, identity string, req dto.UpdateRowRequest) (*dto.SheetView, error)
	Submit(ctx context.Context, owner, id, idempotencyKey string) (*dto.SubmitSheetResponse, error)
	Reload(ctx context.Context, owner, id string) (*dto.SheetView, error)
	Export(ctx context.Context, owner, id, format string) (*dto.ExportFile, error)
	Close(ctx context.Context, owner, id string) error
}

// SheetHandler exposes batch entry sheet endpoints.
type SheetHandler struct {
	service sheetService
}

// NewSheetHandler builds a new handler.
func NewSheetHandler(service sheetService) *SheetHandler {
	return &SheetHandler{service: service}
}

// Open godoc
// @Summary Open a results or attendance sheet
// @Description Loads the roster for the filter and merges already saved records.
// @Tags Sheets
// @Accept json
// @Produce json
// @Param payload body dto.OpenSheetRequest true "Sheet kind and filter"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 412 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /sheets [post]
func (h *SheetHandler) Open(c *gin.Context) {
	var req dto.OpenSheetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid sheet payload"))
		return
	}
	view, err := h.service.Open(requestContext(c), ownerFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Get godoc
// @Summary Get the current state of a sheet
// @Tags Sheets
// @Produce json
// @Param id path string true "Sheet ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sheets/{id} [get]
func (h *SheetHandler) Get(c *gin.Context) {
	view, err := h.service.Get(requestContext(c), ownerFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// UpdateRow godoc
// @Summary Edit fields of one row
// @Tags Sheets
// @Accept json
// @Produce json
// @Param id path string true "Sheet ID"
// @Param identity path string true "Row identity"
// @Param payload body dto.UpdateRowRequest true "Field values"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /sheets/{id}/rows/{identity} [patch]
func (h *SheetHandler) UpdateRow(c *gin.Context) {
	var req dto.UpdateRowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid row payload"))
		return
	}
	view, err := h.service.UpdateRow(requestContext(c), ownerFromContext(c), c.Param("id"), c.Param("identity"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Submit godoc
// @Summary Submit every changed row as one batch
// @Description Invalid rows fail the whole submission with 422 and per-row errors in meta.
// @Tags Sheets
// @Produce json
// @Param id path string true "Sheet ID"
// @Param Idempotency-Key header string false "Client supplied idempotency key"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /sheets/{id}/submit [post]
func (h *SheetHandler) Submit(c *gin.Context) {
	result, err := h.service.Submit(requestContext(c), ownerFromContext(c), c.Param("id"), c.GetHeader(IdempotencyHeader))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Reload godoc
// @Summary Reload a sheet discarding unsaved edits
// @Tags Sheets
// @Produce json
// @Param id path string true "Sheet ID"
// @Success 200 {object} response.Envelope
// @Failure 502 {object} response.Envelope
// @Router /sheets/{id}/reload [post]
func (h *SheetHandler) Reload(c *gin.Context) {
	view, err := h.service.Reload(requestContext(c), ownerFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Export godoc
// @Summary Download a sheet as CSV or PDF
// @Tags Sheets
// @Produce text/csv
// @Produce application/pdf
// @Param id path string true "Sheet ID"
// @Param format query string false "csv (default) or pdf"
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /sheets/{id}/export [get]
func (h *SheetHandler) Export(c *gin.Context) {
	var query dto.ExportQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export query"))
		return
	}
	file, err := h.service.Export(requestContext(c), ownerFromContext(c), c.Param("id"), query.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Body)
}

// Close godoc
// @Summary Close a sheet and discard unsaved edits
// @Tags Sheets
// @Param id path string true "Sheet ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /sheets/{id} [delete]
func (h *SheetHandler) Close(c *gin.Context) {
	if err := h.service.Close(requestContext(c), ownerFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
