package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/dto"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
)

type sheetSourceMock struct {
	rows      []models.RowEntity
	records   []models.Record
	loadErr   error
	submitErr error
	response  *batch.SubmitResponse
	requests  []batch.SubmitRequest
}

func (m *sheetSourceMock) FetchRows(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.RowEntity, error) {
	return m.rows, m.loadErr
}

func (m *sheetSourceMock) FetchExistingRecords(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.Record, error) {
	return m.records, nil
}

func (m *sheetSourceMock) SubmitBatch(ctx context.Context, req batch.SubmitRequest) (*batch.SubmitResponse, error) {
	m.requests = append(m.requests, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return m.response, nil
}

func newSheetSourceMock() *sheetSourceMock {
	return &sheetSourceMock{
		rows: []models.RowEntity{
			{Identity: "1", Label: "Ada Obi"},
			{Identity: "2", Label: "Bayo Ade"},
			{Identity: "3", Label: "Chidi Eze"},
		},
		records: []models.Record{
			{Identity: "1", Values: map[string]string{"score": "65.50", "remarks": "Fair"}},
		},
	}
}

func newSheetServiceForTest(src batch.Source) *SheetService {
	return NewSheetService(src, nil, NewMetricsService(), config.SheetsConfig{ScoreMin: 0, ScoreMax: 100},
		config.SessionsConfig{IdleTTL: time.Minute, SweepInterval: time.Second}, nil, nil, nil)
}

func openResults(t *testing.T, svc *SheetService) *dto.SheetView {
	t.Helper()
	view, err := svc.Open(context.Background(), "teacher-1", dto.OpenSheetRequest{
		Kind:   models.SheetKindResults,
		Filter: map[string]string{"session_id": "1", "term_id": "2", "class_id": "5", "arm_id": "2", "subject_id": "7"},
	})
	require.NoError(t, err)
	return view
}

func TestSheetServiceOpenUpdateSubmit(t *testing.T) {
	src := newSheetSourceMock()
	src.response = &batch.SubmitResponse{
		UpdatedRecords: []models.Record{{Identity: "2", Values: map[string]string{"score": "88.00", "remarks": ""}}},
		Message:        "saved",
	}
	svc := newSheetServiceForTest(src)
	view := openResults(t, svc)
	require.Len(t, view.Rows, 3)
	assert.Equal(t, 1, view.Summary[models.RowUneditedSaved])

	view, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "2", dto.UpdateRowRequest{Values: map[string]string{"score": "88"}})
	require.NoError(t, err)
	assert.Equal(t, 1, view.Summary[models.RowPending])

	resp, err := svc.Submit(context.Background(), "teacher-1", view.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Result.Saved)
	assert.Equal(t, 2, resp.Sheet.Summary[models.RowUneditedSaved])
	require.Len(t, src.requests, 1)
	assert.NotEmpty(t, src.requests[0].IdempotencyKey)
	assert.Equal(t, "2", src.requests[0].Entries[0].Identity)
}

func TestSheetServiceSubmitInvalidRowsReturns422(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	view := openResults(t, svc)

	_, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "2", dto.UpdateRowRequest{Values: map[string]string{"score": "150"}})
	require.NoError(t, err)
	_, err = svc.UpdateRow(context.Background(), "teacher-1", view.ID, "3", dto.UpdateRowRequest{Values: map[string]string{"remarks": "late"}})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), "teacher-1", view.ID, "key-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 422, appErr.Status)
	rows, ok := appErr.Details["row_errors"].([]batch.RowError)
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestSheetServiceSubmitFailureSurfacesServerMessage(t *testing.T) {
	src := newSheetSourceMock()
	src.submitErr = serverMessageErr{msg: "term is closed for editing"}
	svc := newSheetServiceForTest(src)
	view := openResults(t, svc)

	_, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "2", dto.UpdateRowRequest{Values: map[string]string{"score": "70"}})
	require.NoError(t, err)

	_, err = svc.Submit(context.Background(), "teacher-1", view.ID, "key-1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrUpstream.Code, appErr.Code)
	assert.Equal(t, "term is closed for editing", appErr.Message)

	current, err := svc.Get(context.Background(), "teacher-1", view.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, current.Summary[models.RowPending])
}

func TestSheetServiceOpenScopeIncomplete(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	_, err := svc.Open(context.Background(), "", dto.OpenSheetRequest{
		Kind:   models.SheetKindResults,
		Filter: map[string]string{"class_id": "5"},
	})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 412, appErr.Status)
	assert.Equal(t, []string{"session_id", "term_id", "arm_id", "subject_id"}, appErr.Details["missing"])
	assert.Zero(t, svc.Len())
}

func TestSheetServiceOpenLoadFailure(t *testing.T) {
	src := newSheetSourceMock()
	src.loadErr = errors.New("connection refused")
	svc := newSheetServiceForTest(src)
	_, err := svc.Open(context.Background(), "", dto.OpenSheetRequest{
		Kind:   models.SheetKindAttendance,
		Filter: map[string]string{"class_id": "5", "arm_id": "2", "date": "2024-05-01"},
	})
	assert.ErrorIs(t, err, appErrors.ErrUpstream)
}

func TestSheetServiceOpenRejectsUnknownKind(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	_, err := svc.Open(context.Background(), "", dto.OpenSheetRequest{Kind: "grades", Filter: map[string]string{}})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSheetServiceUpdateUnknownRow(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	view := openResults(t, svc)
	_, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "42", dto.UpdateRowRequest{Values: map[string]string{"score": "1"}})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.UpdateRow(context.Background(), "teacher-1", view.ID, "1", dto.UpdateRowRequest{Values: map[string]string{"grade": "A"}})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSheetServiceUpdateRejectedEditLeavesRowIntact(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	view := openResults(t, svc)

	_, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "2", dto.UpdateRowRequest{Values: map[string]string{"score": "50", "zzz": "x"}})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	view, err = svc.Get(context.Background(), "teacher-1", view.ID)
	require.NoError(t, err)
	assert.Zero(t, view.Summary[models.RowPending])
	for _, row := range view.Rows {
		if row.Identity == "2" {
			assert.Empty(t, row.Current["score"])
		}
	}
}

func TestSheetServiceReloadDiscardsEdits(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	view := openResults(t, svc)
	_, err := svc.UpdateRow(context.Background(), "teacher-1", view.ID, "2", dto.UpdateRowRequest{Values: map[string]string{"score": "70"}})
	require.NoError(t, err)

	view, err = svc.Reload(context.Background(), "teacher-1", view.ID)
	require.NoError(t, err)
	assert.Zero(t, view.Summary[models.RowPending])
}

func TestSheetServiceExport(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	view := openResults(t, svc)

	file, err := svc.Export(context.Background(), "teacher-1", view.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	assert.True(t, strings.HasPrefix(file.Filename, "results-"))
	lines := strings.Split(strings.TrimSpace(string(file.Body)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "ID,Name,Score,Remarks,State", lines[0])
	assert.Equal(t, "1,Ada Obi,65.50,Fair,unedited-saved", lines[1])

	file, err = svc.Export(context.Background(), "teacher-1", view.ID, "PDF")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(file.Body, []byte("%PDF")))

	_, err = svc.Export(context.Background(), "teacher-1", view.ID, "xlsx")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestSheetServiceCloseAndSweep(t *testing.T) {
	svc := newSheetServiceForTest(newSheetSourceMock())
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	first := openResults(t, svc)
	second := openResults(t, svc)

	require.NoError(t, svc.Close(context.Background(), "teacher-1", first.ID))
	_, err := svc.Get(context.Background(), "teacher-1", first.ID)
	assert.ErrorIs(t, err, appErrors.ErrSessionNotFound)

	_, err = svc.Get(context.Background(), "someone-else", second.ID)
	assert.ErrorIs(t, err, appErrors.ErrSessionNotFound)

	assert.Equal(t, 1, svc.Sweep(base.Add(2*time.Minute)))
	assert.Zero(t, svc.Len())
}
