package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/dto"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/pkg/config"
	appErrors "github.com/noah-isme/sma-adp-console/pkg/errors"
	"github.com/noah-isme/sma-adp-console/pkg/export"
)

const (
	sessionTypeSheet = "sheet"
	exportStateKey   = "_state"
)

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type sheetSession struct {
	id         string
	owner      string
	kind       models.SheetKind
	reconciler *batch.Reconciler
	createdAt  time.Time

	// submitMu serialises submissions of one sheet.
	submitMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *sheetSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *sheetSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SheetService keeps one batch reconciler per open results or attendance sheet.
type SheetService struct {
	source    batch.Source
	validator *validator.Validate
	metrics   *MetricsService
	sheets    config.SheetsConfig
	sessions  config.SessionsConfig
	logger    *zap.Logger
	csv       csvRenderer
	pdf       pdfRenderer
	now       func() time.Time

	mu    sync.RWMutex
	items map[string]*sheetSession
}

// NewSheetService constructs a SheetService backed by source.
func NewSheetService(source batch.Source, validate *validator.Validate, metrics *MetricsService, sheets config.SheetsConfig, sessions config.SessionsConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *SheetService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sheets.ScoreMax <= sheets.ScoreMin {
		sheets.ScoreMin, sheets.ScoreMax = 0, 100
	}
	if sessions.IdleTTL <= 0 {
		sessions.IdleTTL = 30 * time.Minute
	}
	if sessions.SweepInterval <= 0 {
		sessions.SweepInterval = time.Minute
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &SheetService{
		source:    source,
		validator: validate,
		metrics:   metrics,
		sheets:    sheets,
		sessions:  sessions,
		logger:    logger,
		csv:       csv,
		pdf:       pdf,
		now:       time.Now,
		items:     make(map[string]*sheetSession),
	}
}

// Schema returns the schema of kind.
func (s *SheetService) Schema(kind models.SheetKind) (batch.Schema, error) {
	switch kind {
	case models.SheetKindResults:
		return batch.ResultsSchema(s.sheets.ScoreMin, s.sheets.ScoreMax), nil
	case models.SheetKindAttendance:
		return batch.AttendanceSchema(), nil
	default:
		return batch.Schema{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown sheet kind %q", kind))
	}
}

// Open loads a sheet for the filter scope and registers it.
func (s *SheetService) Open(ctx context.Context, owner string, req dto.OpenSheetRequest) (*dto.SheetView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	schema, err := s.Schema(req.Kind)
	if err != nil {
		return nil, err
	}
	rec := batch.NewReconciler(schema, s.source, s.validator, s.logger.With(zap.String("sheet", string(req.Kind))))
	if _, err := rec.Load(ctx, batch.Filter(req.Filter)); err != nil {
		return nil, translateSheetError(err)
	}

	now := s.now()
	sess := &sheetSession{
		id:         uuid.NewString(),
		owner:      owner,
		kind:       req.Kind,
		reconciler: rec,
		createdAt:  now,
		lastSeen:   now,
	}
	s.mu.Lock()
	s.items[sess.id] = sess
	count := len(s.items)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(sessionTypeSheet, count)

	s.logger.Info("sheet opened",
		zap.String("sheet_id", sess.id),
		zap.String("kind", string(req.Kind)),
		zap.String("filter", rec.Filter().Key()),
		zap.String("owner", owner))
	return s.view(sess), nil
}

// Get returns the current state of a sheet.
func (s *SheetService) Get(ctx context.Context, owner, id string) (*dto.SheetView, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	return s.view(sess), nil
}

// UpdateRow applies field edits to one row and returns the sheet.
func (s *SheetService) UpdateRow(ctx context.Context, owner, id, identity string, req dto.UpdateRowRequest) (*dto.SheetView, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	if _, err := sess.reconciler.UpdateFields(identity, req.Values); err != nil {
		return nil, translateSheetError(err)
	}
	return s.view(sess), nil
}

// Submit validates and sends every changed row as one batch. An empty key gets a
// fresh one, so only client-supplied keys make retries idempotent.
func (s *SheetService) Submit(ctx context.Context, owner, id, idempotencyKey string) (*dto.SubmitSheetResponse, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		idempotencyKey = uuid.NewString()
	}

	sess.submitMu.Lock()
	defer sess.submitMu.Unlock()

	result, err := sess.reconciler.Submit(ctx, idempotencyKey)
	kind := string(sess.kind)
	if err != nil {
		var verr *batch.ValidationErrors
		if errors.As(err, &verr) {
			s.metrics.ObserveBatchSubmission(kind, "invalid", 0)
		} else {
			s.metrics.ObserveBatchSubmission(kind, "failed", 0)
		}
		return nil, translateSheetError(err)
	}
	s.metrics.ObserveBatchSubmission(kind, "saved", result.Submitted)
	s.logger.Info("sheet submitted",
		zap.String("sheet_id", sess.id),
		zap.String("kind", kind),
		zap.Int("submitted", result.Submitted),
		zap.Int("saved", result.Saved),
		zap.Strings("unconfirmed", result.Unconfirmed))
	return &dto.SubmitSheetResponse{Result: result, Sheet: s.view(sess)}, nil
}

// Reload discards edits and reloads the sheet from the data source.
func (s *SheetService) Reload(ctx context.Context, owner, id string) (*dto.SheetView, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	if _, err := sess.reconciler.Load(ctx, sess.reconciler.Filter()); err != nil {
		return nil, translateSheetError(err)
	}
	return s.view(sess), nil
}

// Export renders the sheet as CSV or PDF.
func (s *SheetService) Export(ctx context.Context, owner, id, format string) (*dto.ExportFile, error) {
	sess, err := s.session(owner, id)
	if err != nil {
		return nil, err
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}

	data := s.dataset(sess)
	var (
		body        []byte
		contentType string
	)
	switch format {
	case "csv":
		body, err = s.csv.Render(data)
		contentType = "text/csv"
	case "pdf":
		body, err = s.pdf.Render(data)
		contentType = "application/pdf"
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	if err != nil {
		s.logger.Error("sheet export failed", zap.String("sheet_id", sess.id), zap.String("format", format), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	filename := fmt.Sprintf("%s-%s.%s", sess.kind, s.now().UTC().Format("20060102-150405"), format)
	return &dto.ExportFile{Filename: filename, ContentType: contentType, Body: body}, nil
}

// Close discards a sheet and its unsaved edits.
func (s *SheetService) Close(ctx context.Context, owner, id string) error {
	sess, err := s.session(owner, id)
	if err != nil {
		return err
	}
	s.remove(sess.id)
	return nil
}

// Len returns the number of open sheets.
func (s *SheetService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep closes every sheet idle since before now minus the idle TTL.
func (s *SheetService) Sweep(now time.Time) int {
	cutoff := now.Add(-s.sessions.IdleTTL)
	s.mu.RLock()
	var stale []string
	for id, sess := range s.items {
		if sess.idleSince().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range stale {
		s.remove(id)
	}
	if len(stale) > 0 {
		s.logger.Debug("idle sheets evicted", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Start runs the idle janitor until ctx is done.
func (s *SheetService) Start(ctx context.Context) {
	go runJanitor(ctx, s.sessions.SweepInterval, func() { s.Sweep(s.now()) })
}

func (s *SheetService) session(owner, id string) (*sheetSession, error) {
	s.mu.RLock()
	sess, ok := s.items[id]
	s.mu.RUnlock()
	if !ok || (sess.owner != "" && sess.owner != owner) {
		return nil, appErrors.ErrSessionNotFound
	}
	sess.touch(s.now())
	return sess, nil
}

func (s *SheetService) remove(id string) {
	s.mu.Lock()
	delete(s.items, id)
	count := len(s.items)
	s.mu.Unlock()
	s.metrics.SetActiveSessions(sessionTypeSheet, count)
}

func (s *SheetService) view(sess *sheetSession) *dto.SheetView {
	rec := sess.reconciler
	return &dto.SheetView{
		ID:        sess.id,
		Kind:      sess.kind,
		Schema:    rec.Schema(),
		Filter:    rec.Filter(),
		Rows:      rec.Rows(),
		Summary:   rec.Summary(),
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.idleSince(),
	}
}

func (s *SheetService) dataset(sess *sheetSession) export.Dataset {
	schema := sess.reconciler.Schema()
	columns := []export.Column{
		{Key: schema.IdentityKey, Title: "ID"},
		{Key: "name", Title: "Name", Weight: 3},
	}
	for _, field := range schema.Fields() {
		w := 1.0
		if field.Kind == batch.FieldText {
			w = 3
		}
		columns = append(columns, export.Column{Key: field.Name, Title: titleCase(field.Name), Weight: w})
	}
	columns = append(columns, export.Column{Key: exportStateKey, Title: "State", Weight: 1.5})

	rows := sess.reconciler.Rows()
	data := export.Dataset{
		Title:    titleCase(string(sess.kind)) + " sheet",
		Subtitle: sess.reconciler.Filter().Key(),
		Columns:  columns,
		Rows:     make([]map[string]string, 0, len(rows)),
	}
	for _, row := range rows {
		values := map[string]string{schema.IdentityKey: row.Identity, "name": row.Label, exportStateKey: string(row.Status)}
		for _, field := range schema.Fields() {
			values[field.Name] = strings.TrimSpace(row.Current[field.Name])
		}
		data.Rows = append(data.Rows, values)
	}
	return data
}

func titleCase(s string) string {
	s = strings.ReplaceAll(s, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func translateSheetError(err error) error {
	var (
		scopeErr *batch.ScopeError
		verr     *batch.ValidationErrors
		loadErr  *batch.LoadError
		subErr   *batch.SubmitError
	)
	switch {
	case errors.As(err, &scopeErr):
		return appErrors.WithDetails(
			appErrors.Wrap(err, appErrors.ErrScopeIncomplete.Code, appErrors.ErrScopeIncomplete.Status, appErrors.ErrScopeIncomplete.Message),
			map[string]interface{}{"missing": scopeErr.Missing})
	case errors.As(err, &verr):
		return appErrors.WithDetails(
			appErrors.Wrap(err, appErrors.ErrUnprocessable.Code, appErrors.ErrUnprocessable.Status, verr.Error()),
			map[string]interface{}{"row_errors": verr.Rows})
	case errors.As(err, &loadErr):
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, upstreamMessage(loadErr.Err))
	case errors.As(err, &subErr):
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, subErr.Message)
	case errors.Is(err, batch.ErrUnknownRow):
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, err.Error())
	case errors.Is(err, batch.ErrUnknownField):
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	case errors.Is(err, batch.ErrNotLoaded):
		return appErrors.Wrap(err, appErrors.ErrPreconditionFailed.Code, appErrors.ErrPreconditionFailed.Status, "sheet has no loaded rows; reload it first")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
}
