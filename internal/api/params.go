package api

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/inference-gateway/internal/errs"
	"github.com/nulpointcorp/inference-gateway/internal/store"
)

// queryArgs reads typed list filters from the query string. The first
// parse failure is kept in err and later reads become no-ops.
type queryArgs struct {
	args *fasthttp.Args
	err  error
}

func newQueryArgs(ctx *fasthttp.RequestCtx) *queryArgs {
	return &queryArgs{args: ctx.QueryArgs()}
}

func (q *queryArgs) str(name string) string {
	return string(q.args.Peek(name))
}

func (q *queryArgs) integer(name string) int {
	raw := q.str(name)
	if raw == "" || q.err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		q.err = errs.Validation("%s must be an integer, got %q", name, raw)
	}
	return n
}

// tags parses a JSON object, e.g. tags={"team":"search"}.
func (q *queryArgs) tags(name string) map[string]any {
	raw := q.args.Peek(name)
	if len(raw) == 0 || q.err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		q.err = errs.Validation("%s must be a JSON object", name)
		return nil
	}
	return m
}

// timestamp parses an RFC 3339 timestamp.
func (q *queryArgs) timestamp(name string) *time.Time {
	raw := q.str(name)
	if raw == "" || q.err != nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		q.err = errs.Validation("%s must be an RFC 3339 timestamp, got %q", name, raw)
		return nil
	}
	return &t
}

func modelFilterOf(ctx *fasthttp.RequestCtx) (store.ModelFilter, error) {
	q := newQueryArgs(ctx)
	f := store.ModelFilter{
		Name:     q.str("name"),
		Provider: q.str("provider"),
		Tags:     q.tags("tags"),
		AfterID:  q.str("after_id"),
		Limit:    q.integer("limit"),
	}
	return f, q.err
}

func logFilterOf(ctx *fasthttp.RequestCtx) (store.LogFilter, error) {
	q := newQueryArgs(ctx)
	f := store.LogFilter{
		Model:    q.str("model"),
		Provider: q.str("provider"),
		Status:   q.str("status"),
		Tags:     q.tags("tags"),
		Start:    q.timestamp("start"),
		End:      q.timestamp("end"),
		AfterID:  q.str("after_id"),
		Limit:    q.integer("limit"),
	}
	return f, q.err
}
