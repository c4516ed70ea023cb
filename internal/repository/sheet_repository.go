package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/models"
)

type sheetTable struct {
	table    string
	scope    []string
	fields   []string
	conflict string
}

var sheetTables = map[models.SheetKind]sheetTable{
	models.SheetKindResults: {
		table:    "results",
		scope:    []string{"session_id", "term_id", "class_id", "arm_id", "subject_id"},
		fields:   []string{"score", "remarks"},
		conflict: "student_id, session_id, term_id, subject_id",
	},
	models.SheetKindAttendance: {
		table:    "attendance",
		scope:    []string{"class_id", "arm_id", "date"},
		fields:   []string{"status", "remarks"},
		conflict: "student_id, date",
	},
}

var studentScope = []string{"class_id", "arm_id", "section_id"}

type studentRow struct {
	ID          string         `db:"id"`
	FullName    string         `db:"full_name"`
	AdmissionNo sql.NullString `db:"admission_no"`
}

// SheetRepository serves sheet rows and records from the school database.
type SheetRepository struct {
	db *sqlx.DB
}

// NewSheetRepository constructs the repository.
func NewSheetRepository(db *sqlx.DB) *SheetRepository {
	return &SheetRepository{db: db}
}

// FetchRows lists the active students of the class in the filter.
func (r *SheetRepository) FetchRows(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.RowEntity, error) {
	if _, ok := sheetTables[kind]; !ok {
		return nil, fmt.Errorf("unknown sheet kind %q", kind)
	}
	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	for _, column := range studentScope {
		if v := filter[column]; v != "" {
			args = append(args, v)
			where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
		}
	}
	query := fmt.Sprintf(`SELECT id::text AS id, full_name, admission_no
FROM students
WHERE %s
ORDER BY full_name ASC`, strings.Join(where, " AND "))

	var students []studentRow
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, fmt.Errorf("list sheet students: %w", err)
	}
	rows := make([]models.RowEntity, 0, len(students))
	for _, s := range students {
		row := models.RowEntity{Identity: s.ID, Label: s.FullName}
		if s.AdmissionNo.Valid {
			row.Attributes = map[string]string{"admission_no": s.AdmissionNo.String}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// FetchExistingRecords lists persisted records for the filter scope.
func (r *SheetRepository) FetchExistingRecords(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.Record, error) {
	tbl, ok := sheetTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sheet kind %q", kind)
	}
	where := make([]string, 0, len(tbl.scope))
	args := make([]interface{}, 0, len(tbl.scope))
	for _, column := range tbl.scope {
		args = append(args, filter[column])
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY student_id",
		tbl.selectColumns(), tbl.table, strings.Join(where, " AND "))

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s records: %w", kind, err)
	}
	defer rows.Close()
	records, err := tbl.scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s records: %w", kind, err)
	}
	return records, nil
}

// SubmitBatch upserts every entry in one transaction. A repeated idempotency key returns
// the stored outcome of the first submission without writing.
func (r *SheetRepository) SubmitBatch(ctx context.Context, req batch.SubmitRequest) (*batch.SubmitResponse, error) {
	tbl, ok := sheetTables[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown sheet kind %q", req.Kind)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch submission: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if req.IdempotencyKey != "" {
		var stored []byte
		err := tx.GetContext(ctx, &stored, `SELECT response FROM batch_submissions WHERE idempotency_key = $1`, req.IdempotencyKey)
		switch {
		case err == nil:
			var resp batch.SubmitResponse
			if err := json.Unmarshal(stored, &resp); err != nil {
				return nil, fmt.Errorf("decode stored batch response: %w", err)
			}
			return &resp, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("lookup batch submission: %w", err)
		}
	}

	now := time.Now().UTC()
	upsert := tbl.upsertQuery()
	updated := make([]models.Record, 0, len(req.Entries))
	for _, entry := range req.Entries {
		args := []interface{}{uuid.NewString(), entry.Identity}
		for _, column := range tbl.scope {
			args = append(args, req.Context[column])
		}
		for _, field := range tbl.fields {
			args = append(args, entry.Values[field])
		}
		args = append(args, now)

		rows, err := tx.QueryxContext(ctx, upsert, args...)
		if err != nil {
			return nil, fmt.Errorf("upsert %s record %s: %w", req.Kind, entry.Identity, err)
		}
		records, err := tbl.scanRecords(rows)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("scan %s record %s: %w", req.Kind, entry.Identity, err)
		}
		updated = append(updated, records...)
	}

	resp := &batch.SubmitResponse{
		UpdatedRecords: updated,
		Message:        fmt.Sprintf("%d %s record(s) saved", len(updated), req.Kind),
	}
	if req.IdempotencyKey != "" {
		payload, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode batch response: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_submissions (idempotency_key, kind, response, created_at) VALUES ($1, $2, $3, $4)`,
			req.IdempotencyKey, string(req.Kind), payload, now); err != nil {
			return nil, fmt.Errorf("record batch submission: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch submission: %w", err)
	}
	committed = true
	return resp, nil
}

func (t sheetTable) selectColumns() string {
	columns := []string{"student_id::text AS student_id"}
	for _, field := range t.fields {
		columns = append(columns, fmt.Sprintf("COALESCE(%s::text, '') AS %s", field, field))
	}
	return strings.Join(columns, ", ")
}

func (t sheetTable) upsertQuery() string {
	columns := append([]string{"id", "student_id"}, t.scope...)
	columns = append(columns, t.fields...)
	columns = append(columns, "updated_at")
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	updates := make([]string, 0, len(t.fields)+1)
	for _, field := range append(append([]string{}, t.fields...), "updated_at") {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", field, field))
	}
	return fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (%s)
ON CONFLICT (%s) DO UPDATE SET %s
RETURNING %s`,
		t.table, strings.Join(columns, ", "), strings.Join(placeholders, ", "),
		t.conflict, strings.Join(updates, ", "), t.selectColumns())
}

func (t sheetTable) scanRecords(rows *sqlx.Rows) ([]models.Record, error) {
	var records []models.Record
	for rows.Next() {
		dest := make([]sql.NullString, len(t.fields)+1)
		ptrs := make([]interface{}, len(dest))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		values := make(map[string]string, len(t.fields))
		for i, field := range t.fields {
			values[field] = dest[i+1].String
		}
		records = append(records, models.Record{Identity: dest[0].String, Values: values})
	}
	return records, rows.Err()
}
