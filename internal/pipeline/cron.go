package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// bits is the set of values a cron field matches, one bit per value.
type bits uint64

func (b bits) has(v int) bool { return b&(1<<uint(v)) != 0 }

// schedule is a parsed 5-field cron expression:
//
//	minute hour day-of-month month day-of-week
//
// Fields take "*", numbers, lists, ranges and steps ("*/15", "1-5",
// "0,30", "0-30/10"). As in Vixie cron, when both day fields are
// restricted a day matching either one fires.
type schedule struct {
	expr              string
	minute, hour, dom bits
	month, dow        bits
	domStar, dowStar  bool
}

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

var fieldSpecs = [5]struct {
	name   string
	lo, hi int
}{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

func parseCron(expr string) (schedule, error) {
	src := strings.TrimSpace(expr)
	if m, ok := macros[src]; ok {
		src = m
	}
	fields := strings.Fields(src)
	if len(fields) != 5 {
		return schedule{}, fmt.Errorf("cron: %q: want 5 fields, got %d", expr, len(fields))
	}
	var set [5]bits
	for i, f := range fieldSpecs {
		b, err := parseField(fields[i], f.lo, f.hi)
		if err != nil {
			return schedule{}, fmt.Errorf("cron: %q: %s: %w", expr, f.name, err)
		}
		set[i] = b
	}
	return schedule{
		expr:    expr,
		minute:  set[0],
		hour:    set[1],
		dom:     set[2],
		month:   set[3],
		dow:     set[4],
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}, nil
}

func parseField(field string, lo, hi int) (bits, error) {
	var out bits
	for _, term := range strings.Split(field, ",") {
		rng, stepStr, stepped := strings.Cut(term, "/")
		step := 1
		if stepped {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n < 1 {
				return 0, fmt.Errorf("bad step in %q", term)
			}
			step = n
		}

		first, last := lo, hi
		if rng != "*" {
			a, b, isRange := strings.Cut(rng, "-")
			var err error
			if first, err = strconv.Atoi(a); err != nil {
				return 0, fmt.Errorf("bad value %q", term)
			}
			last = first
			if isRange {
				if last, err = strconv.Atoi(b); err != nil {
					return 0, fmt.Errorf("bad range %q", term)
				}
			} else if stepped {
				last = hi
			}
		}
		if first < lo || last > hi || first > last {
			return 0, fmt.Errorf("%q outside %d-%d", term, lo, hi)
		}
		for v := first; v <= last; v += step {
			out |= 1 << uint(v)
		}
	}
	return out, nil
}

func (s schedule) dayMatches(t time.Time) bool {
	dom, dow := s.dom.has(t.Day()), s.dow.has(int(t.Weekday()))
	switch {
	case s.domStar && s.dowStar:
		return true
	case s.domStar:
		return dow
	case s.dowStar:
		return dom
	}
	return dom || dow
}

// errNoRun is returned when nothing matches within the search horizon,
// e.g. "0 0 31 2 *".
var errNoRun = errors.New("cron: no matching time within 5 years")

// next returns the first matching minute strictly after t. It skips whole
// months, days and hours that cannot match.
func (s schedule) next(t time.Time) (time.Time, error) {
	loc := t.Location()
	t = t.Truncate(time.Minute).Add(time.Minute)
	horizon := t.AddDate(5, 0, 0)

	for t.Before(horizon) {
		switch {
		case !s.month.has(int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, loc)
		case !s.dayMatches(t):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
		case !s.hour.has(t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !s.minute.has(t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", errNoRun, s.expr)
}
