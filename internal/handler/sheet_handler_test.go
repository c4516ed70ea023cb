package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/dto"
	"github.com/noah-isme/sma-adp-console/internal/middleware"
	"github.com/noah-isme/sma-adp-console/internal/models"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
)

type sheetServiceMock struct {
	view       *dto.SheetView
	submit     *dto.SubmitSheetResponse
	file       *dto.ExportFile
	err        error
	lastOwner  string
	lastID     string
	lastRow    string
	lastKey    string
	lastFormat string
	lastOpen   dto.OpenSheetRequest
	lastUpdate dto.UpdateRowRequest
	calls      []string
}

func (m *sheetServiceMock) Open(ctx context.Context, owner string, req dto.OpenSheetRequest) (*dto.SheetView, error) {
	m.calls = append(m.calls, "open")
	m.lastOwner = owner
	m.lastOpen = req
	return m.view, m.err
}

func (m *sheetServiceMock) Get(ctx context.Context, owner, id string) (*dto.SheetView, error) {
	m.calls = append(m.calls, "get")
	m.lastOwner, m.lastID = owner, id
	return m.view, m.err
}

func (m *sheetServiceMock) UpdateRow(ctx context.Context, owner, id, identity string, req dto.UpdateRowRequest) (*dto.SheetView, error) {
	m.calls = append(m.calls, "update")
	m.lastID, m.lastRow, m.lastUpdate = id, identity, req
	return m.view, m.err
}

func (m *sheetServiceMock) Submit(ctx context.Context, owner, id, idempotencyKey string) (*dto.SubmitSheetResponse, error) {
	m.calls = append(m.calls, "submit")
	m.lastID, m.lastKey = id, idempotencyKey
	return m.submit, m.err
}

func (m *sheetServiceMock) Reload(ctx context.Context, owner, id string) (*dto.SheetView, error) {
	m.calls = append(m.calls, "reload")
	m.lastID = id
	return m.view, m.err
}

func (m *sheetServiceMock) Export(ctx context.Context, owner, id, format string) (*dto.ExportFile, error) {
	m.calls = append(m.calls, "export")
	m.lastID, m.lastFormat = id, format
	return m.file, m.err
}

func (m *sheetServiceMock) Close(ctx context.Context, owner, id string) error {
	m.calls = append(m.calls, "close")
	m.lastID = id
	return m.err
}

func sheetRouter(svc sheetService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewSheetHandler(svc)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "teacher-1", Role: models.RoleTeacher})
		c.Next()
	})
	r.POST("/sheets", h.Open)
	r.GET("/sheets/:id", h.Get)
	r.PATCH("/sheets/:id/rows/:identity", h.UpdateRow)
	r.POST("/sheets/:id/submit", h.Submit)
	r.POST("/sheets/:id/reload", h.Reload)
	r.GET("/sheets/:id/export", h.Export)
	r.DELETE("/sheets/:id", h.Close)
	return r
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSheetHandlerOpen(t *testing.T) {
	svc := &sheetServiceMock{view: &dto.SheetView{ID: "sheet-1", Kind: models.SheetKindResults}}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(http.MethodPost, "/sheets", `{"kind":"results","filter":{"class_id":"5"}}`))

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "teacher-1", svc.lastOwner)
	assert.Equal(t, models.SheetKindResults, svc.lastOpen.Kind)
	assert.Equal(t, "5", svc.lastOpen.Filter["class_id"])
}

func TestSheetHandlerOpenScopeIncompleteCarriesMissing(t *testing.T) {
	svc := &sheetServiceMock{err: appErrors.WithDetails(appErrors.ErrScopeIncomplete, map[string]interface{}{
		"missing": []string{"arm_id"},
	})}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(http.MethodPost, "/sheets", `{"kind":"results","filter":{"class_id":"5"}}`))

	require.Equal(t, http.StatusPreconditionFailed, w.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
		Meta map[string][]string `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, appErrors.ErrScopeIncomplete.Code, body.Error.Code)
	assert.Equal(t, []string{"arm_id"}, body.Meta["missing"])
}

func TestSheetHandlerUpdateRow(t *testing.T) {
	svc := &sheetServiceMock{view: &dto.SheetView{ID: "sheet-1"}}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(http.MethodPatch, "/sheets/sheet-1/rows/42", `{"values":{"score":"88"}}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sheet-1", svc.lastID)
	assert.Equal(t, "42", svc.lastRow)
	assert.Equal(t, "88", svc.lastUpdate.Values["score"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, jsonRequest(http.MethodPatch, "/sheets/sheet-1/rows/42", `{"values":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSheetHandlerSubmitForwardsIdempotencyKey(t *testing.T) {
	svc := &sheetServiceMock{submit: &dto.SubmitSheetResponse{Result: &batch.SubmitResult{Submitted: 2, Saved: 2}}}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sheets/sheet-1/submit", nil)
	req.Header.Set(IdempotencyHeader, "retry-123")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "retry-123", svc.lastKey)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestSheetHandlerSubmitInvalidRows(t *testing.T) {
	rowErrors := []batch.RowError{{Identity: "2", Field: "score", Message: "Score must be between 0 and 100"}}
	svc := &sheetServiceMock{err: appErrors.WithDetails(appErrors.ErrUnprocessable, map[string]interface{}{"row_errors": rowErrors})}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sheets/sheet-1/submit", nil))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var body struct {
		Meta struct {
			RowErrors []batch.RowError `json:"row_errors"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Meta.RowErrors, 1)
	assert.Equal(t, "2", body.Meta.RowErrors[0].Identity)
}

func TestSheetHandlerSubmitUpstreamFailure(t *testing.T) {
	svc := &sheetServiceMock{err: appErrors.Wrap(errors.New("503"), appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "term is closed for editing")}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/sheets/sheet-1/submit", nil))

	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "term is closed for editing")
}

func TestSheetHandlerExport(t *testing.T) {
	svc := &sheetServiceMock{file: &dto.ExportFile{Filename: "results-20240501-080000.csv", ContentType: "text/csv", Body: []byte("ID,Name\n")}}
	r := sheetRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sheets/sheet-1/export?format=csv", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "csv", svc.lastFormat)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "results-20240501-080000.csv")
	assert.Equal(t, "ID,Name\n", w.Body.String())
}

func TestSheetHandlerReloadGetClose(t *testing.T) {
	svc := &sheetServiceMock{view: &dto.SheetView{ID: "sheet-1"}}
	r := sheetRouter(svc)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/sheets/sheet-1", nil),
		httptest.NewRequest(http.MethodPost, "/sheets/sheet-1/reload", nil),
		httptest.NewRequest(http.MethodDelete, "/sheets/sheet-1", nil),
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Less(t, w.Code, 300, req.URL.Path)
	}
	assert.Equal(t, []string{"get", "reload", "close"}, svc.calls)
	assert.Equal(t, "sheet-1", svc.lastID)
}
