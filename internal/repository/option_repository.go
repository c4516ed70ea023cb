package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/selection"
)

type optionSource struct {
	table   string
	parents map[string]string
}

// optionSources maps each chain level to its lookup table and the column holding each
// ancestor's id.
var optionSources = map[string]optionSource{
	"session": {table: "sessions"},
	"term":    {table: "terms", parents: map[string]string{"session": "session_id"}},
	"class":   {table: "classes"},
	"arm":     {table: "arms", parents: map[string]string{"class": "class_id"}},
	"section": {table: "sections", parents: map[string]string{"class": "class_id", "arm": "arm_id"}},
	"country": {table: "countries"},
	"state":   {table: "states", parents: map[string]string{"country": "country_id"}},
	"lga":     {table: "lgas", parents: map[string]string{"state": "state_id"}},
	"subject": {table: "subjects", parents: map[string]string{"class": "class_id"}},
}

type optionRow struct {
	ID   string `db:"id"`
	Name string `db:"name"`
}

// OptionRepository reads chain options straight from the school database.
type OptionRepository struct {
	db *sqlx.DB
}

// NewOptionRepository constructs the repository.
func NewOptionRepository(db *sqlx.DB) *OptionRepository {
	return &OptionRepository{db: db}
}

// FetchOptions returns the options of level filtered by the ancestor values in scope,
// in table order.
func (r *OptionRepository) FetchOptions(ctx context.Context, level selection.Level, scope selection.Scope) ([]models.Option, error) {
	src, ok := optionSources[level.Key]
	if !ok {
		return nil, fmt.Errorf("no option table for level %q", level.Key)
	}

	query := strings.Builder{}
	fmt.Fprintf(&query, "SELECT id::text AS id, name FROM %s WHERE deleted_at IS NULL", src.table)
	args := []interface{}{}
	for i, key := range scope.Keys {
		column, ok := src.parents[key]
		if !ok || i >= len(scope.Values) {
			continue
		}
		args = append(args, scope.Values[i])
		fmt.Fprintf(&query, " AND %s = $%d", column, len(args))
	}
	query.WriteString(" ORDER BY position ASC, name ASC")

	var rows []optionRow
	if err := r.db.SelectContext(ctx, &rows, query.String(), args...); err != nil {
		return nil, fmt.Errorf("list %s options: %w", level.Key, err)
	}
	options := make([]models.Option, 0, len(rows))
	for _, row := range rows {
		options = append(options, models.Option{ID: row.ID, Label: row.Name})
	}
	return options, nil
}
