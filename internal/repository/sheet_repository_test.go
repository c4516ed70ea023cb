package repository

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return sqlxDB, mock, cleanup
}

func resultsFilter() batch.Filter {
	return batch.Filter{"session_id": "1", "term_id": "2", "class_id": "5", "arm_id": "2", "subject_id": "7"}
}

func TestSheetRepositoryFetchRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSheetRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id::text AS id, full_name, admission_no
FROM students
WHERE deleted_at IS NULL AND class_id = $1 AND arm_id = $2`)).
		WithArgs("5", "2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "full_name", "admission_no"}).
			AddRow("1", "Ada Obi", "A001").
			AddRow("2", "Bayo Ade", nil))

	rows, err := repo.FetchRows(context.Background(), models.SheetKindResults, resultsFilter())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A001", rows[0].Attributes["admission_no"])
	assert.Nil(t, rows[1].Attributes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSheetRepositoryFetchExistingRecords(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSheetRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT student_id::text AS student_id, COALESCE(score::text, '') AS score, COALESCE(remarks::text, '') AS remarks FROM results WHERE session_id = $1 AND term_id = $2 AND class_id = $3 AND arm_id = $4 AND subject_id = $5`)).
		WithArgs("1", "2", "5", "2", "7").
		WillReturnRows(sqlmock.NewRows([]string{"student_id", "score", "remarks"}).AddRow("1", "65.50", "Fair"))

	records, err := repo.FetchExistingRecords(context.Background(), models.SheetKindResults, resultsFilter())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1", records[0].Identity)
	assert.Equal(t, "65.50", records[0].Values["score"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSheetRepositorySubmitBatchUpsertsAndRecordsKey(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSheetRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT response FROM batch_submissions WHERE idempotency_key = $1`)).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"response"}))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO results (id, student_id, session_id, term_id, class_id, arm_id, subject_id, score, remarks, updated_at)`)).
		WithArgs(sqlmock.AnyArg(), "2", "1", "2", "5", "2", "7", 88.0, nil, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"student_id", "score", "remarks"}).AddRow("2", "88.00", ""))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO batch_submissions`)).
		WithArgs("key-1", "results", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	resp, err := repo.SubmitBatch(context.Background(), batch.SubmitRequest{
		Kind:    models.SheetKindResults,
		Context: resultsFilter(),
		Entries: []batch.Entry{{
			IdentityKey: "student_id",
			Identity:    "2",
			Values:      map[string]interface{}{"score": 88.0, "remarks": nil},
		}},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Len(t, resp.UpdatedRecords, 1)
	assert.Equal(t, "88.00", resp.UpdatedRecords[0].Values["score"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSheetRepositorySubmitBatchReplaysStoredResponse(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSheetRepository(db)

	stored := `{"updated_records":[{"identity":"2","values":{"score":"88.00","remarks":""}}],"message":"1 results record(s) saved"}`
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT response FROM batch_submissions WHERE idempotency_key = $1`)).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"response"}).AddRow([]byte(stored)))
	mock.ExpectRollback()

	resp, err := repo.SubmitBatch(context.Background(), batch.SubmitRequest{
		Kind:           models.SheetKindResults,
		Context:        resultsFilter(),
		Entries:        []batch.Entry{{Identity: "2", Values: map[string]interface{}{"score": 88.0}}},
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	require.Len(t, resp.UpdatedRecords, 1)
	assert.Equal(t, "1 results record(s) saved", resp.Message)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSheetRepositorySubmitBatchRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSheetRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO attendance`)).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := repo.SubmitBatch(context.Background(), batch.SubmitRequest{
		Kind:    models.SheetKindAttendance,
		Context: batch.Filter{"class_id": "5", "arm_id": "2", "date": "2024-05-01"},
		Entries: []batch.Entry{{Identity: "10", Values: map[string]interface{}{"status": "absent"}}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}
