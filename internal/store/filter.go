package store

import "strings"

// where accumulates AND-ed predicates and their positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

// eq adds "col = ?" when v is non-empty.
func (w *where) eq(col, v string) {
	if v != "" {
		w.add(col+" = ?", v)
	}
}

func (w *where) tags(d dialect, col string, tags map[string]any) error {
	if len(tags) == 0 {
		return nil
	}
	clause, args, err := d.tagsContain(col, tags)
	if err != nil {
		return err
	}
	w.add(clause, args...)
	return nil
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func logWhere(d dialect, f LogFilter, keyset bool) (*where, error) {
	w := &where{}
	w.eq("model", f.Model)
	w.eq("provider", f.Provider)
	w.eq("status", f.Status)
	if err := w.tags(d, "tags", f.Tags); err != nil {
		return nil, err
	}
	if f.Start != nil {
		w.add("created_at >= ?", f.Start.UnixMilli())
	}
	if f.End != nil {
		w.add("created_at < ?", f.End.UnixMilli())
	}
	if keyset && f.AfterID != "" {
		w.add("id < ?", f.AfterID)
	}
	return w, nil
}

// paginate trims the limit+1 probe row and sets the cursor when it existed.
func paginate[T any](rows []T, limit int, id func(T) string) Page[T] {
	page := Page[T]{Data: rows}
	if len(rows) > limit {
		page.Data = rows[:limit]
		next := id(page.Data[limit-1])
		page.Next = &next
	}
	if page.Data == nil {
		page.Data = []T{}
	}
	return page
}
