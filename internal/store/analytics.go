package store

import (
	"context"
	"database/sql"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

// Summarize aggregates the logs matched by f in a single query. AfterID and
// Limit are ignored. An empty match yields a zero Summary.
//
// A filter with no predicates scans the whole table.
func (db *DB) Summarize(ctx context.Context, f LogFilter) (Summary, error) {
	w, err := logWhere(db.dialect, f, false)
	if err != nil {
		return Summary{}, err
	}

	q := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status IN ('complete', 'success') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(prompt_tokens), 0),
		COALESCE(SUM(completion_tokens), 0),
		AVG(response_time_ms),
		MAX(response_time_ms),
		MIN(response_time_ms)
	FROM logs` + w.String()

	var (
		s            Summary
		avg          sql.NullFloat64
		maxMS, minMS sql.NullInt64
	)
	err = db.sql.QueryRowContext(ctx, q, w.args...).Scan(
		&s.TotalLogs, &s.SuccessfulLogs,
		&s.TotalPromptTokens, &s.TotalCompletionTokens,
		&avg, &maxMS, &minMS,
	)
	if err != nil {
		return Summary{}, errs.Storage("summarize logs", err)
	}
	s.ErrorLogs = s.TotalLogs - s.SuccessfulLogs
	s.TotalTokens = s.TotalPromptTokens + s.TotalCompletionTokens
	s.AverageLatencyMS = avg.Float64
	s.MaximumLatencyMS = maxMS.Int64
	s.MinimumLatencyMS = minMS.Int64
	return s, nil
}
