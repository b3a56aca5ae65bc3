package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// selectQuery assembles a SELECT with positional arguments.
type selectQuery struct {
	base  string
	where []string
	order string
	args  []any
}

func (q *selectQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *selectQuery) and(cond string, v any) {
	q.where = append(q.where, cond+" "+q.arg(v))
}

// window applies the symbol and time bounds of opts against timeCol.
func (q *selectQuery) window(opts domain.ListOpts, timeCol string) {
	if opts.Symbol != "" {
		q.and("symbol =", strings.ToUpper(opts.Symbol))
	}
	if opts.Since != nil {
		q.and(timeCol+" >=", opts.Since.UTC())
	}
	if opts.Until != nil {
		q.and(timeCol+" <=", opts.Until.UTC())
	}
}

func (q *selectQuery) sql(limit, offset int) string {
	var b strings.Builder
	b.WriteString(q.base)
	for i, w := range q.where {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		b.WriteString(w)
	}
	if q.order != "" {
		b.WriteString(" ORDER BY " + q.order)
	}
	if limit > 0 {
		b.WriteString(" LIMIT " + q.arg(limit))
	}
	if offset > 0 {
		b.WriteString(" OFFSET " + q.arg(offset))
	}
	return b.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
