package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// dialect isolates the SQL that differs between the supported drivers.
// Both drivers use "?" placeholders.
type dialect interface {
	name() string
	schema() []string
	// tagsContain renders a predicate that holds when the JSON object in col
	// contains every key/value pair of tags.
	tagsContain(col string, tags map[string]any) (string, []any, error)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS models (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			provider    TEXT NOT NULL,
			cost_input  TEXT NOT NULL DEFAULT '0',
			cost_output TEXT NOT NULL DEFAULT '0',
			config      TEXT NOT NULL DEFAULT '{}',
			tags        TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id                TEXT PRIMARY KEY,
			model             TEXT NOT NULL,
			provider          TEXT NOT NULL,
			status            TEXT NOT NULL,
			prompt_tokens     INTEGER,
			completion_tokens INTEGER,
			response_time_ms  INTEGER,
			cost              TEXT NOT NULL DEFAULT '0',
			object_reference  TEXT,
			tags              TEXT NOT NULL DEFAULT '{}',
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_model ON logs (model)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_status ON logs (status)`,
	}
}

// tagsContain mirrors JSON containment: objects match key by key at any
// depth, every element of a filter array must match some element of the
// stored array, and scalars compare by JSON type rather than by text.
func (sqliteDialect) tagsContain(col string, tags map[string]any) (string, []any, error) {
	norm, err := normalizeTags(tags)
	if err != nil {
		return "", nil, err
	}
	c := &sqliteContains{doc: col}
	clause, args := c.walk(jsonPathExpr{sql: "'$'"}, norm)
	return clause, args, nil
}

// jsonPathExpr is a SQL expression evaluating to a JSON path.
type jsonPathExpr struct {
	sql  string
	args []any
}

func (p jsonPathExpr) key(k string) jsonPathExpr {
	args := append(append([]any(nil), p.args...), keySegment(k))
	return jsonPathExpr{sql: "(" + p.sql + " || ?)", args: args}
}

type sqliteContains struct {
	doc     string
	aliases int
}

func (c *sqliteContains) walk(p jsonPathExpr, v any) (string, []any) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return fmt.Sprintf("json_type(%s, %s) = 'object'", c.doc, p.sql), p.args
		}
		var (
			clauses []string
			args    []any
		)
		for _, k := range sortedKeys(t) {
			clause, a := c.walk(p.key(k), t[k])
			clauses = append(clauses, clause)
			args = append(args, a...)
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args

	case []any:
		clauses := []string{fmt.Sprintf("json_type(%s, %s) = 'array'", c.doc, p.sql)}
		args := append([]any(nil), p.args...)
		for _, e := range t {
			c.aliases++
			alias := fmt.Sprintf("je%d", c.aliases)
			inner, a := c.walk(jsonPathExpr{sql: alias + ".fullpath"}, e)
			clauses = append(clauses, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(%s, %s) AS %s WHERE %s)", c.doc, p.sql, alias, inner))
			args = append(args, p.args...)
			args = append(args, a...)
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args

	case nil:
		return fmt.Sprintf("json_type(%s, %s) = 'null'", c.doc, p.sql), p.args

	case bool:
		want := "false"
		if t {
			want = "true"
		}
		return fmt.Sprintf("json_type(%s, %s) = '%s'", c.doc, p.sql, want), p.args

	case string:
		args := append(append(append([]any(nil), p.args...), p.args...), t)
		return fmt.Sprintf("(json_type(%s, %s) = 'text' AND json_extract(%s, %s) = ?)",
			c.doc, p.sql, c.doc, p.sql), args

	default:
		// Numbers; normalizeTags leaves nothing else.
		b, _ := json.Marshal(t)
		args := append(append(append([]any(nil), p.args...), p.args...), string(b))
		return fmt.Sprintf("(json_type(%s, %s) IN ('integer', 'real') AND json_extract(%s, %s) = json_extract(?, '$'))",
			c.doc, p.sql, c.doc, p.sql), args
	}
}

// normalizeTags round-trips tags through JSON so nested values are plain
// maps, slices and scalars whatever the caller passed in.
func normalizeTags(tags map[string]any) (map[string]any, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("store: encode tags: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("store: decode tags: %w", err)
	}
	return out, nil
}

type mysqlDialect struct{}

func (mysqlDialect) name() string { return "mysql" }

func (mysqlDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS models (
			id          CHAR(36) PRIMARY KEY,
			name        VARCHAR(255) NOT NULL,
			provider    VARCHAR(32) NOT NULL,
			cost_input  DECIMAL(10,4) NOT NULL DEFAULT 0,
			cost_output DECIMAL(10,4) NOT NULL DEFAULT 0,
			config      JSON NOT NULL,
			tags        JSON NOT NULL,
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id                CHAR(36) PRIMARY KEY,
			model             VARCHAR(255) NOT NULL,
			provider          VARCHAR(32) NOT NULL,
			status            VARCHAR(16) NOT NULL,
			prompt_tokens     INT NULL,
			completion_tokens INT NULL,
			response_time_ms  INT NULL,
			cost              DECIMAL(10,4) NOT NULL DEFAULT 0,
			object_reference  VARCHAR(512) NULL,
			tags              JSON NOT NULL,
			created_at        BIGINT NOT NULL,
			updated_at        BIGINT NOT NULL,
			INDEX idx_logs_created_at (created_at),
			INDEX idx_logs_model (model),
			INDEX idx_logs_status (status)
		)`,
	}
}

func (mysqlDialect) tagsContain(col string, tags map[string]any) (string, []any, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return "", nil, fmt.Errorf("store: encode tags: %w", err)
	}
	return fmt.Sprintf("JSON_CONTAINS(%s, CAST(? AS JSON))", col), []any{string(b)}, nil
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	}
	return nil, fmt.Errorf("store: unsupported driver %q", driver)
}

func keySegment(key string) string {
	return `."` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(key) + `"`
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
