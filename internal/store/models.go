package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

const modelColumns = "id, name, provider, cost_input, cost_output, config, tags, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(r rowScanner) (Model, error) {
	var (
		m                Model
		created, updated int64
	)
	err := r.Scan(&m.ID, &m.Name, &m.Provider, &m.CostInput, &m.CostOutput,
		&m.Config, &m.Tags, &created, &updated)
	if err != nil {
		return Model{}, err
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}

// GetModel returns the model with id.
func (db *DB) GetModel(ctx context.Context, id string) (*Model, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT "+modelColumns+" FROM models WHERE id = ? LIMIT 2", id)
	if err != nil {
		return nil, errs.Storage("get model", err)
	}
	defer rows.Close()

	var found []Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, errs.Storage("scan model", err)
		}
		found = append(found, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("get model", err)
	}
	switch len(found) {
	case 0:
		return nil, errs.NotFound("model", id)
	case 1:
		return &found[0], nil
	default:
		return nil, errs.Consistency("model", id, len(found))
	}
}

// ListModels returns models newest first, keyset-paginated on id.
func (db *DB) ListModels(ctx context.Context, f ModelFilter) (Page[Model], error) {
	limit, err := NormalizeLimit(f.Limit)
	if err != nil {
		return Page[Model]{}, err
	}
	w := &where{}
	w.eq("name", f.Name)
	w.eq("provider", f.Provider)
	if err := w.tags(db.dialect, "tags", f.Tags); err != nil {
		return Page[Model]{}, err
	}
	if f.AfterID != "" {
		w.add("id < ?", f.AfterID)
	}

	q := "SELECT " + modelColumns + " FROM models" + w.String() + " ORDER BY id DESC LIMIT ?"
	rows, err := db.sql.QueryContext(ctx, q, append(w.args, limit+1)...)
	if err != nil {
		return Page[Model]{}, errs.Storage("list models", err)
	}
	defer rows.Close()

	out := make([]Model, 0, limit+1)
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return Page[Model]{}, errs.Storage("scan model", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return Page[Model]{}, errs.Storage("list models", err)
	}
	return paginate(out, limit, func(m Model) string { return m.ID }), nil
}

// CreateModel inserts m, assigning id and timestamps when unset.
func (db *DB) CreateModel(ctx context.Context, m Model) (*Model, error) {
	if m.ID == "" {
		m.ID = NewID()
	}
	now := db.timestamp()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = fromMillis(now)
	}
	m.UpdatedAt = fromMillis(now)
	if m.Config == nil {
		m.Config = JSONMap{}
	}
	if m.Tags == nil {
		m.Tags = JSONMap{}
	}

	_, err := db.sql.ExecContext(ctx,
		"INSERT INTO models ("+modelColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		m.ID, m.Name, m.Provider, m.CostInput, m.CostOutput, m.Config, m.Tags,
		m.CreatedAt.UnixMilli(), now)
	if err != nil {
		return nil, errs.Storage("create model", err)
	}
	m.CreatedAt = fromMillis(m.CreatedAt.UnixMilli())
	return &m, nil
}

// UpdateModel applies the non-nil fields of p and returns the updated row.
func (db *DB) UpdateModel(ctx context.Context, id string, p ModelPatch) (*Model, error) {
	set := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if p.Name != nil {
		set, args = append(set, "name = ?"), append(args, *p.Name)
	}
	if p.Provider != nil {
		set, args = append(set, "provider = ?"), append(args, *p.Provider)
	}
	if p.CostInput != nil {
		set, args = append(set, "cost_input = ?"), append(args, *p.CostInput)
	}
	if p.CostOutput != nil {
		set, args = append(set, "cost_output = ?"), append(args, *p.CostOutput)
	}
	if p.Config != nil {
		set, args = append(set, "config = ?"), append(args, *p.Config)
	}
	if p.Tags != nil {
		set, args = append(set, "tags = ?"), append(args, *p.Tags)
	}
	if err := db.update(ctx, "models", "model", id, set, args); err != nil {
		return nil, err
	}
	return db.GetModel(ctx, id)
}

// update runs "UPDATE table SET ... WHERE id = ?" with updated_at bumped and
// maps zero matched rows to NotFound.
func (db *DB) update(ctx context.Context, table, entity, id string, set []string, args []any) error {
	set = append(set, "updated_at = ?")
	args = append(args, db.timestamp(), id)

	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", table, strings.Join(set, ", "))
	res, err := db.sql.ExecContext(ctx, q, args...)
	if err != nil {
		return errs.Storage("update "+entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Storage("update "+entity, err)
	}
	if n == 0 {
		return errs.NotFound(entity, id)
	}
	return nil
}
