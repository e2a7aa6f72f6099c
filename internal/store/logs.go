package store

import (
	"context"
	"database/sql"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

const logColumns = "id, model, provider, status, prompt_tokens, completion_tokens, " +
	"response_time_ms, cost, object_reference, tags, created_at, updated_at"

func scanLog(r rowScanner) (Log, error) {
	var (
		l                                Log
		prompt, completion, responseTime sql.NullInt64
		ref                              sql.NullString
		created, updated                 int64
	)
	err := r.Scan(&l.ID, &l.Model, &l.Provider, &l.Status, &prompt, &completion,
		&responseTime, &l.Cost, &ref, &l.Tags, &created, &updated)
	if err != nil {
		return Log{}, err
	}
	l.PromptTokens = nullableInt(prompt)
	l.CompletionTokens = nullableInt(completion)
	l.ResponseTimeMS = nullableInt(responseTime)
	l.ObjectReference = nullableString(ref)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return l, nil
}

// GetLog returns the log with id.
func (db *DB) GetLog(ctx context.Context, id string) (*Log, error) {
	rows, err := db.sql.QueryContext(ctx,
		"SELECT "+logColumns+" FROM logs WHERE id = ? LIMIT 2", id)
	if err != nil {
		return nil, errs.Storage("get log", err)
	}
	defer rows.Close()

	var found []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, errs.Storage("scan log", err)
		}
		found = append(found, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("get log", err)
	}
	switch len(found) {
	case 0:
		return nil, errs.NotFound("log", id)
	case 1:
		return &found[0], nil
	default:
		return nil, errs.Consistency("log", id, len(found))
	}
}

// ListLogs returns logs newest first, keyset-paginated on id.
func (db *DB) ListLogs(ctx context.Context, f LogFilter) (Page[Log], error) {
	limit, err := NormalizeLimit(f.Limit)
	if err != nil {
		return Page[Log]{}, err
	}
	w, err := logWhere(db.dialect, f, true)
	if err != nil {
		return Page[Log]{}, err
	}

	q := "SELECT " + logColumns + " FROM logs" + w.String() + " ORDER BY id DESC LIMIT ?"
	rows, err := db.sql.QueryContext(ctx, q, append(w.args, limit+1)...)
	if err != nil {
		return Page[Log]{}, errs.Storage("list logs", err)
	}
	defer rows.Close()

	out := make([]Log, 0, limit+1)
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return Page[Log]{}, errs.Storage("scan log", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return Page[Log]{}, errs.Storage("list logs", err)
	}
	return paginate(out, limit, func(l Log) string { return l.ID }), nil
}

// CreateLog inserts l, assigning id, status and timestamps when unset.
func (db *DB) CreateLog(ctx context.Context, l Log) (*Log, error) {
	if l.ID == "" {
		l.ID = NewID()
	}
	if l.Status == "" {
		l.Status = StatusIncomplete
	}
	now := db.timestamp()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = fromMillis(now)
	}
	l.UpdatedAt = fromMillis(now)
	if l.Tags == nil {
		l.Tags = JSONMap{}
	}

	_, err := db.sql.ExecContext(ctx,
		"INSERT INTO logs ("+logColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		l.ID, l.Model, l.Provider, string(l.Status),
		intArg(l.PromptTokens), intArg(l.CompletionTokens), intArg(l.ResponseTimeMS),
		l.Cost, stringArg(l.ObjectReference), l.Tags,
		l.CreatedAt.UnixMilli(), now)
	if err != nil {
		return nil, errs.Storage("create log", err)
	}
	l.CreatedAt = fromMillis(l.CreatedAt.UnixMilli())
	return &l, nil
}

// UpdateLog applies the non-nil fields of p and returns the updated row.
func (db *DB) UpdateLog(ctx context.Context, id string, p LogPatch) (*Log, error) {
	set := make([]string, 0, 8)
	args := make([]any, 0, 9)
	if p.Status != nil {
		set, args = append(set, "status = ?"), append(args, string(*p.Status))
	}
	if p.PromptTokens != nil {
		set, args = append(set, "prompt_tokens = ?"), append(args, *p.PromptTokens)
	}
	if p.CompletionTokens != nil {
		set, args = append(set, "completion_tokens = ?"), append(args, *p.CompletionTokens)
	}
	if p.ResponseTimeMS != nil {
		set, args = append(set, "response_time_ms = ?"), append(args, *p.ResponseTimeMS)
	}
	if p.Cost != nil {
		set, args = append(set, "cost = ?"), append(args, *p.Cost)
	}
	if p.ObjectReference != nil {
		set, args = append(set, "object_reference = ?"), append(args, *p.ObjectReference)
	}
	if p.Tags != nil {
		set, args = append(set, "tags = ?"), append(args, *p.Tags)
	}
	if err := db.update(ctx, "logs", "log", id, set, args); err != nil {
		return nil, err
	}
	return db.GetLog(ctx, id)
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
