package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-console/internal/dto"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
	"github.com/noah-isme/sma-adp-console/pkg/response"
)

type formService interface {
	Create(ctx context.Context, owner string, req dto.CreateFormRequest) (*dto.FormView, error)
	Get(ctx context.Context, owner, id string) (*dto.FormView, error)
	Select(ctx context.Context, owner, id, level, value string) (*dto.FormView, error)
	Refresh(ctx context.Context, owner, id, level string) (*dto.FormView, error)
	Close(ctx context.Context, owner, id string) error
}

// FormHandler exposes cascading selection form endpoints.
type FormHandler struct {
	service formService
}

// NewFormHandler builds a new handler.
func NewFormHandler(service formService) *FormHandler {
	return &FormHandler{service: service}
}

// Create godoc
// @Summary Open a cascading selection form
// @Tags Forms
// @Accept json
// @Produce json
// @Param payload body dto.CreateFormRequest true "Chain and optional preset selections"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /forms [post]
func (h *FormHandler) Create(c *gin.Context) {
	var req dto.CreateFormRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid form payload"))
		return
	}
	view, err := h.service.Create(requestContext(c), ownerFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, view)
}

// Get godoc
// @Summary Get the current state of a form
// @Tags Forms
// @Produce json
// @Param id path string true "Form ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /forms/{id} [get]
func (h *FormHandler) Get(c *gin.Context) {
	view, err := h.service.Get(requestContext(c), ownerFromContext(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Select godoc
// @Summary Select a value at one level of the form
// @Description Descendant levels are cleared and reloaded. An empty value clears the level.
// @Tags Forms
// @Accept json
// @Produce json
// @Param id path string true "Form ID"
// @Param level path string true "Level key"
// @Param payload body dto.SelectRequest true "Selected option id"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /forms/{id}/selections/{level} [put]
func (h *FormHandler) Select(c *gin.Context) {
	var req dto.SelectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid selection payload"))
		return
	}
	view, err := h.service.Select(requestContext(c), ownerFromContext(c), c.Param("id"), c.Param("level"), req.Value)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Refresh godoc
// @Summary Reload the options of one level
// @Tags Forms
// @Produce json
// @Param id path string true "Form ID"
// @Param level path string true "Level key"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /forms/{id}/levels/{level}/refresh [post]
func (h *FormHandler) Refresh(c *gin.Context) {
	view, err := h.service.Refresh(requestContext(c), ownerFromContext(c), c.Param("id"), c.Param("level"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, view, nil)
}

// Close godoc
// @Summary Close a form and discard its state
// @Tags Forms
// @Param id path string true "Form ID"
// @Success 204
// @Failure 404 {object} response.Envelope
// @Router /forms/{id} [delete]
func (h *FormHandler) Close(c *gin.Context) {
	if err := h.service.Close(requestContext(c), ownerFromContext(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
