package store

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// MySQL statements are only executed against a live server in integration
// runs; these tests pin the SQL and arguments the dialect generates.

func TestMySQLDialect_TagsContain(t *testing.T) {
	clause, args, err := mysqlDialect{}.tagsContain("tags", map[string]any{
		"env":    map[string]any{"region": "eu"},
		"labels": []any{"x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if clause != "JSON_CONTAINS(tags, CAST(? AS JSON))" {
		t.Errorf("clause = %q", clause)
	}
	want := []any{`{"env":{"region":"eu"},"labels":["x"]}`}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestMySQLDialect_LogWhere(t *testing.T) {
	start := time.UnixMilli(1000)
	w, err := logWhere(mysqlDialect{}, LogFilter{
		Model:   "gpt",
		Status:  "complete",
		Tags:    map[string]any{"team": "search"},
		Start:   &start,
		AfterID: "0190",
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	wantSQL := " WHERE model = ? AND status = ? AND JSON_CONTAINS(tags, CAST(? AS JSON)) AND created_at >= ? AND id < ?"
	if got := w.String(); got != wantSQL {
		t.Errorf("where = %q\nwant    %q", got, wantSQL)
	}
	wantArgs := []any{"gpt", "complete", `{"team":"search"}`, int64(1000), "0190"}
	if !reflect.DeepEqual(w.args, wantArgs) {
		t.Errorf("args = %v, want %v", w.args, wantArgs)
	}
}

func TestMySQLDialect_Schema(t *testing.T) {
	stmts := mysqlDialect{}.schema()
	if len(stmts) != 2 {
		t.Fatalf("got %d statements", len(stmts))
	}
	models, logs := stmts[0], stmts[1]
	for _, col := range []string{"cost_input  DECIMAL(10,4)", "cost_output DECIMAL(10,4)", "tags        JSON NOT NULL"} {
		if !strings.Contains(models, col) {
			t.Errorf("models table missing %q", col)
		}
	}
	for _, col := range []string{"cost              DECIMAL(10,4)", "response_time_ms  INT NULL", "INDEX idx_logs_created_at"} {
		if !strings.Contains(logs, col) {
			t.Errorf("logs table missing %q", col)
		}
	}
}

func TestSQLiteDialect_TagsContainArgsOrder(t *testing.T) {
	clause, args, err := sqliteDialect{}.tagsContain("tags", map[string]any{
		"labels": []any{"x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(clause, "?"); n != len(args) {
		t.Fatalf("%d placeholders for %d args in %s", n, len(args), clause)
	}
	want := []any{`."labels"`, `."labels"`, "x"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}
