package batch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/models"
)

// Source is the data-access collaborator behind a sheet.
type Source interface {
	FetchRows(ctx context.Context, kind models.SheetKind, filter Filter) ([]models.RowEntity, error)
	FetchExistingRecords(ctx context.Context, kind models.SheetKind, filter Filter) ([]models.Record, error)
	SubmitBatch(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}

// SubmitRequest is one batch of changed rows for a scope.
type SubmitRequest struct {
	Kind           models.SheetKind `json:"-"`
	IdentityKey    string           `json:"-"`
	Context        Filter           `json:"context"`
	Entries        []Entry          `json:"entries"`
	IdempotencyKey string           `json:"-"`
}

// SubmitResponse is the authoritative outcome of a batch.
type SubmitResponse struct {
	UpdatedRecords []models.Record        `json:"updated_records"`
	Message        string                 `json:"message"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

// SubmitResult summarises a submission for the caller.
type SubmitResult struct {
	Submitted   int                    `json:"submitted"`
	Saved       int                    `json:"saved"`
	Unconfirmed []string               `json:"unconfirmed,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// Reconciler tracks edits of one sheet against the last persisted baseline.
type Reconciler struct {
	schema    Schema
	source    Source
	validator *validator.Validate
	logger    *zap.Logger

	mu      sync.Mutex
	filter  Filter
	rows    []*models.EditRow
	index   map[string]*models.EditRow
	loaded  bool
	loadSeq uint64
}

// NewReconciler constructs a reconciler for schema backed by source.
func NewReconciler(schema Schema, source Source, validate *validator.Validate, logger *zap.Logger) *Reconciler {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		schema:    schema,
		source:    source,
		validator: validate,
		logger:    logger,
		index:     make(map[string]*models.EditRow),
	}
}

// Schema returns the sheet schema.
func (r *Reconciler) Schema() Schema {
	return r.schema
}

// Filter returns the scope of the last successful load.
func (r *Reconciler) Filter() Filter {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(Filter, len(r.filter))
	for k, v := range r.filter {
		out[k] = v
	}
	return out
}

// Load fetches the rows and existing records for filter, joins them by identity and
// replaces the whole sheet. Missing scope fails before any I/O and keeps the current
// rows. A failed fetch leaves the sheet empty.
func (r *Reconciler) Load(ctx context.Context, filter Filter) ([]models.EditRow, error) {
	filter = filter.Normalize()
	if missing := r.schema.Missing(filter); len(missing) > 0 {
		return nil, &ScopeError{Missing: missing}
	}

	r.mu.Lock()
	r.loadSeq++
	seq := r.loadSeq
	r.mu.Unlock()

	entities, err := r.source.FetchRows(ctx, r.schema.Kind, filter)
	if err != nil {
		r.discard(seq, filter)
		return nil, &LoadError{Stage: "rows", Err: err}
	}
	records, err := r.source.FetchExistingRecords(ctx, r.schema.Kind, filter)
	if err != nil {
		r.discard(seq, filter)
		return nil, &LoadError{Stage: "records", Err: err}
	}

	persisted := make(map[string]models.Record, len(records))
	for _, rec := range records {
		persisted[models.NormalizeID(rec.Identity)] = rec
	}

	rows := make([]*models.EditRow, 0, len(entities))
	index := make(map[string]*models.EditRow, len(entities))
	for _, entity := range entities {
		id := models.NormalizeID(entity.Identity)
		if id == "" {
			continue
		}
		if _, dup := index[id]; dup {
			continue
		}
		rec, ok := persisted[id]
		values := r.blankValues()
		if ok {
			for field := range values {
				values[field] = rec.Values[field]
			}
		}
		row := &models.EditRow{
			Identity:        id,
			Label:           entity.Label,
			Attributes:      entity.Attributes,
			Current:         values,
			Baseline:        copyMap(values),
			HasServerRecord: ok,
		}
		row.Status = uneditedStatus(row)
		rows = append(rows, row)
		index[id] = row
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.loadSeq {
		return nil, fmt.Errorf("load superseded by a newer load")
	}
	r.filter = filter
	r.rows = rows
	r.index = index
	r.loaded = true
	r.logger.Debug("sheet loaded",
		zap.String("kind", string(r.schema.Kind)),
		zap.String("filter", filter.Key()),
		zap.Int("rows", len(rows)),
		zap.Int("records", len(records)))
	return cloneRows(rows), nil
}

// UpdateField edits one field of a row and recomputes the row status.
func (r *Reconciler) UpdateField(identity, field, value string) (models.EditRow, error) {
	return r.UpdateFields(identity, map[string]string{field: value})
}

// UpdateFields edits several fields of a row at once. Every field is checked before
// any is applied, so a rejected edit leaves the row as it was.
func (r *Reconciler) UpdateFields(identity string, values map[string]string) (models.EditRow, error) {
	for field := range values {
		if _, ok := r.schema.Field(field); !ok {
			return models.EditRow{}, fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.index[models.NormalizeID(identity)]
	if !ok {
		return models.EditRow{}, fmt.Errorf("%w: %s", ErrUnknownRow, identity)
	}
	for field, value := range values {
		row.Current[field] = value
	}
	r.restatus(row)
	return row.Clone(), nil
}

// Validate checks one row. Unchanged rows are always valid.
func (r *Reconciler) Validate(row models.EditRow) error {
	if !row.Dirty() {
		return nil
	}
	for _, spec := range r.schema.Fields() {
		value := strings.TrimSpace(row.Current[spec.Name])
		if msg := r.checkField(spec, value, spec.Name == r.schema.Primary.Name); msg != "" {
			return RowError{Identity: row.Identity, Label: row.Label, Field: spec.Name, Message: msg}
		}
	}
	return nil
}

// BuildSubmission validates every row and returns the entries of changed rows.
// If any row is invalid, all invalid rows are reported together and flagged.
func (r *Reconciler) BuildSubmission() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buildLocked()
}

// Reconcile merges an authoritative response into the baseline. Rows missing from
// records keep their state. It returns how many rows were applied.
func (r *Reconciler) Reconcile(records []models.Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcileLocked(records, nil)
}

// Submit sends the changed rows as one batch and reconciles the response. Nothing is
// mutated when validation or the submission itself fails.
func (r *Reconciler) Submit(ctx context.Context, idempotencyKey string) (*SubmitResult, error) {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return nil, ErrNotLoaded
	}
	entries, err := r.buildLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if len(entries) == 0 {
		r.mu.Unlock()
		return &SubmitResult{Message: "no changes to submit"}, nil
	}
	submitted := make(map[string]map[string]string, len(entries))
	for _, entry := range entries {
		submitted[entry.Identity] = trimmedValues(r.index[entry.Identity].Current)
	}
	req := SubmitRequest{
		Kind:           r.schema.Kind,
		IdentityKey:    r.schema.IdentityKey,
		Context:        r.filter,
		Entries:        entries,
		IdempotencyKey: idempotencyKey,
	}
	seq := r.loadSeq
	r.mu.Unlock()

	resp, err := r.source.SubmitBatch(ctx, req)
	if err != nil {
		r.logger.Warn("batch submission failed",
			zap.String("kind", string(r.schema.Kind)),
			zap.Int("entries", len(entries)),
			zap.Error(err))
		return nil, newSubmitError(err)
	}
	if resp == nil {
		resp = &SubmitResponse{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	result := &SubmitResult{Submitted: len(entries), Message: resp.Message, Meta: resp.Meta}
	if seq != r.loadSeq {
		// The sheet was reloaded while the batch was in flight; its rows already
		// reflect the server.
		return result, nil
	}
	result.Saved = r.reconcileLocked(resp.UpdatedRecords, submitted)

	confirmed := make(map[string]bool, len(resp.UpdatedRecords))
	for _, rec := range resp.UpdatedRecords {
		confirmed[models.NormalizeID(rec.Identity)] = true
	}
	for _, entry := range entries {
		if !confirmed[entry.Identity] {
			result.Unconfirmed = append(result.Unconfirmed, entry.Identity)
		}
	}
	return result, nil
}

// Rows returns a copy of every row in load order.
func (r *Reconciler) Rows() []models.EditRow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneRows(r.rows)
}

// Row returns a copy of one row.
func (r *Reconciler) Row(identity string) (models.EditRow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.index[models.NormalizeID(identity)]
	if !ok {
		return models.EditRow{}, false
	}
	return row.Clone(), true
}

// Summary counts rows per status.
func (r *Reconciler) Summary() map[models.RowStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary := map[models.RowStatus]int{
		models.RowUneditedSaved: 0,
		models.RowUneditedEmpty: 0,
		models.RowPending:       0,
		models.RowInvalid:       0,
	}
	for _, row := range r.rows {
		summary[row.Status]++
	}
	return summary
}

func (r *Reconciler) buildLocked() ([]Entry, error) {
	var (
		entries []Entry
		invalid []RowError
	)
	for _, row := range r.rows {
		if !row.Dirty() {
			continue
		}
		if err := r.Validate(*row); err != nil {
			rowErr := err.(RowError)
			row.Status = models.RowInvalid
			row.ValidationError = rowErr.Message
			invalid = append(invalid, rowErr)
			continue
		}
		entries = append(entries, r.entryFor(row))
	}
	if len(invalid) > 0 {
		return nil, &ValidationErrors{Rows: invalid}
	}
	return entries, nil
}

// reconcileLocked applies server records. When submitted is known, rows edited again
// while the batch was in flight keep their newer edit and stay pending.
func (r *Reconciler) reconcileLocked(records []models.Record, submitted map[string]map[string]string) int {
	applied := 0
	for _, rec := range records {
		id := models.NormalizeID(rec.Identity)
		row, ok := r.index[id]
		if !ok {
			continue
		}
		editedSince := false
		if sent, ok := submitted[id]; ok {
			for field, value := range trimmedValues(row.Current) {
				if sent[field] != value {
					editedSince = true
					break
				}
			}
		}
		for _, spec := range r.schema.Fields() {
			value, ok := rec.Values[spec.Name]
			if !ok {
				value = strings.TrimSpace(row.Current[spec.Name])
				if editedSince {
					value = submitted[id][spec.Name]
				}
			}
			row.Baseline[spec.Name] = value
			if !editedSince {
				row.Current[spec.Name] = value
			}
		}
		row.HasServerRecord = true
		row.ValidationError = ""
		if editedSince && row.Dirty() {
			row.Status = models.RowPending
		} else {
			row.Status = models.RowUneditedSaved
		}
		applied++
	}
	return applied
}

func (r *Reconciler) restatus(row *models.EditRow) {
	if !row.Dirty() {
		row.Status = uneditedStatus(row)
		row.ValidationError = ""
		return
	}
	if row.Status == models.RowInvalid {
		if err := r.Validate(*row); err != nil {
			row.ValidationError = err.(RowError).Message
			return
		}
	}
	row.Status = models.RowPending
	row.ValidationError = ""
}

func (r *Reconciler) checkField(spec FieldSpec, value string, primary bool) string {
	if value == "" {
		if primary {
			return fmt.Sprintf("%s is required", spec.Name)
		}
		return ""
	}
	switch spec.Kind {
	case FieldNumeric:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Sprintf("%s must be a number", spec.Name)
		}
		rule := fmt.Sprintf("gte=%s,lte=%s", formatFloat(spec.Min), formatFloat(spec.Max))
		if err := r.validator.Var(n, rule); err != nil {
			return fmt.Sprintf("%s must be between %s and %s", spec.Name, formatFloat(spec.Min), formatFloat(spec.Max))
		}
	case FieldChoice:
		rule := "oneof=" + strings.Join(spec.Choices, " ")
		if err := r.validator.Var(strings.ToLower(value), rule); err != nil {
			return fmt.Sprintf("%s must be one of %s", spec.Name, strings.Join(spec.Choices, ", "))
		}
	case FieldText:
		if spec.MaxLen > 0 {
			if err := r.validator.Var(value, fmt.Sprintf("max=%d", spec.MaxLen)); err != nil {
				return fmt.Sprintf("%s must be at most %d characters", spec.Name, spec.MaxLen)
			}
		}
	}
	return ""
}

func (r *Reconciler) entryFor(row *models.EditRow) Entry {
	values := make(map[string]interface{}, len(r.schema.Secondary)+1)
	for _, spec := range r.schema.Fields() {
		value := strings.TrimSpace(row.Current[spec.Name])
		if value == "" {
			values[spec.Name] = nil
			continue
		}
		switch spec.Kind {
		case FieldNumeric:
			n, _ := strconv.ParseFloat(value, 64)
			values[spec.Name] = n
		case FieldChoice:
			values[spec.Name] = strings.ToLower(value)
		default:
			values[spec.Name] = value
		}
	}
	return Entry{IdentityKey: r.schema.IdentityKey, Identity: row.Identity, Values: values}
}

func (r *Reconciler) blankValues() map[string]string {
	values := make(map[string]string, len(r.schema.Secondary)+1)
	for _, spec := range r.schema.Fields() {
		values[spec.Name] = ""
	}
	return values
}

func (r *Reconciler) discard(seq uint64, filter Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.loadSeq {
		return
	}
	r.filter = filter
	r.rows = nil
	r.index = make(map[string]*models.EditRow)
	r.loaded = false
}

func uneditedStatus(row *models.EditRow) models.RowStatus {
	if row.HasServerRecord {
		return models.RowUneditedSaved
	}
	return models.RowUneditedEmpty
}

func trimmedValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = strings.TrimSpace(v)
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRows(rows []*models.EditRow) []models.EditRow {
	out := make([]models.EditRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Clone())
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
