package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
)

const (
	// DefaultLimit is the page size used when a filter leaves Limit at zero.
	DefaultLimit = 50
	// MaxLimit is the largest page size a list query accepts.
	MaxLimit = 200
)

func init() {
	// Costs are numeric in every JSON payload the gateway emits.
	decimal.MarshalJSONWithoutQuotes = true
}

// Status is the persisted lifecycle state of a Log row.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusComplete   Status = "complete"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusIncomplete, StatusComplete, StatusSuccess, StatusError:
		return st, nil
	}
	return "", errs.Validation("invalid status %q; must be one of: incomplete, complete, success, error", s)
}

// Succeeded reports whether the status counts as a successful request in
// analytics.
func (s Status) Succeeded() bool {
	return s == StatusComplete || s == StatusSuccess
}

// NewID returns a time-ordered identifier (UUIDv7). Lexical order of the
// string form matches creation order within a process.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// JSONMap is a free-form JSON object column.
type JSONMap map[string]any

// Value implements driver.Valuer. A nil map is stored as "{}".
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("store: encode json column: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for TEXT (sqlite) and JSON (mysql) columns.
func (m *JSONMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("store: unsupported json column type %T", src)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	out := JSONMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("store: decode json column: %w", err)
	}
	*m = out
	return nil
}

// Model is a registered LLM that can serve inference requests.
type Model struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Provider   string          `json:"provider"`
	CostInput  decimal.Decimal `json:"cost_input"`
	CostOutput decimal.Decimal `json:"cost_output"`
	Config     JSONMap         `json:"config"`
	Tags       JSONMap         `json:"tags"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ModelPatch lists the fields of a Model that PATCH may change. Nil fields
// are left untouched.
type ModelPatch struct {
	Name       *string          `json:"name,omitempty"`
	Provider   *string          `json:"provider,omitempty"`
	CostInput  *decimal.Decimal `json:"cost_input,omitempty"`
	CostOutput *decimal.Decimal `json:"cost_output,omitempty"`
	Config     *JSONMap         `json:"config,omitempty"`
	Tags       *JSONMap         `json:"tags,omitempty"`
}

// Log is the audit record of one inference request.
type Log struct {
	ID               string          `json:"id"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	Status           Status          `json:"status"`
	PromptTokens     *int            `json:"prompt_tokens"`
	CompletionTokens *int            `json:"completion_tokens"`
	ResponseTimeMS   *int            `json:"response_time_ms"`
	Cost             decimal.Decimal `json:"cost"`
	ObjectReference  *string         `json:"object_reference"`
	Tags             JSONMap         `json:"tags"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// LogPatch lists the fields of a Log that may be updated after creation.
type LogPatch struct {
	Status           *Status          `json:"status,omitempty"`
	PromptTokens     *int             `json:"prompt_tokens,omitempty"`
	CompletionTokens *int             `json:"completion_tokens,omitempty"`
	ResponseTimeMS   *int             `json:"response_time_ms,omitempty"`
	Cost             *decimal.Decimal `json:"cost,omitempty"`
	ObjectReference  *string          `json:"object_reference,omitempty"`
	Tags             *JSONMap         `json:"tags,omitempty"`
}

// Page is one keyset-paginated slice of a list query. Next holds the cursor
// for the following page, or nil on the last page.
type Page[T any] struct {
	Data []T     `json:"data"`
	Next *string `json:"next"`
}

// ModelFilter selects models for ListModels. Zero fields do not filter.
type ModelFilter struct {
	Name     string         `json:"name,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Tags     map[string]any `json:"tags,omitempty"`
	AfterID  string         `json:"after_id,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// LogFilter selects logs for ListLogs and Summarize. Zero fields do not
// filter; Start is inclusive and End exclusive.
type LogFilter struct {
	Model    string         `json:"model,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Status   string         `json:"status,omitempty"`
	Tags     map[string]any `json:"tags,omitempty"`
	Start    *time.Time     `json:"start,omitempty"`
	End      *time.Time     `json:"end,omitempty"`
	AfterID  string         `json:"after_id,omitempty"`
	Limit    int            `json:"limit,omitempty"`
}

// Summary is the aggregate row returned by Summarize.
type Summary struct {
	TotalLogs             int64   `json:"total_logs"`
	SuccessfulLogs        int64   `json:"successful_logs"`
	ErrorLogs             int64   `json:"error_logs"`
	TotalTokens           int64   `json:"total_tokens"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	AverageLatencyMS      float64 `json:"average_latency_ms"`
	MaximumLatencyMS      int64   `json:"maximum_latency_ms"`
	MinimumLatencyMS      int64   `json:"minimum_latency_ms"`
}

// NormalizeLimit applies the default page size and validates the bounds.
func NormalizeLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultLimit, nil
	}
	if limit < 1 || limit > MaxLimit {
		return 0, errs.Validation("limit must be between 1 and %d, got %d", MaxLimit, limit)
	}
	return limit, nil
}
