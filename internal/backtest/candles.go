package backtest

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// Candle is one bar of replay input. ATR and Regime carry the indicator
// values the live engine would read from the indicator cache.
type Candle struct {
	Time   time.Time     `json:"time"`
	Open   float64       `json:"open"`
	High   float64       `json:"high"`
	Low    float64       `json:"low"`
	Close  float64       `json:"close"`
	ATR    float64       `json:"atr"`
	Regime domain.Regime `json:"regime"`
}

// Valid reports whether the bar is internally consistent.
func (c Candle) Valid() bool {
	return c.Open > 0 && c.Close > 0 && c.Low > 0 &&
		c.High >= c.Low && c.High >= c.Open && c.High >= c.Close &&
		c.Low <= c.Open && c.Low <= c.Close
}

// S3Scheme prefixes candle sources read from object storage.
const S3Scheme = "s3://"

// Load reads candles from src. Sources starting with s3:// are fetched
// through blobs; anything else is a local file. Files ending in .csv are
// parsed as CSV, everything else as JSON lines. The result is sorted by time.
func Load(ctx context.Context, src string, blobs domain.BlobReader) ([]Candle, error) {
	var rc io.ReadCloser
	if strings.HasPrefix(src, S3Scheme) {
		if blobs == nil {
			return nil, fmt.Errorf("backtest: %s: no blob storage configured", src)
		}
		body, err := blobs.Get(ctx, strings.TrimPrefix(src, S3Scheme))
		if err != nil {
			return nil, fmt.Errorf("backtest: open %s: %w", src, err)
		}
		rc = body
	} else {
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("backtest: open %s: %w", src, err)
		}
		rc = f
	}
	defer rc.Close()

	var (
		candles []Candle
		err     error
	)
	if strings.EqualFold(filepath.Ext(src), ".csv") {
		candles, err = ReadCSV(rc)
	} else {
		candles, err = ReadJSONL(rc)
	}
	if err != nil {
		return nil, fmt.Errorf("backtest: read %s: %w", src, err)
	}
	sort.SliceStable(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// ReadJSONL decodes one candle per line. Blank lines are ignored.
func ReadJSONL(r io.Reader) ([]Candle, error) {
	var out []Candle
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var c Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if !c.Valid() {
			return nil, fmt.Errorf("line %d: inconsistent candle", line)
		}
		out = append(out, c)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadCSV decodes a headed CSV with columns time, open, high, low, close and
// optionally atr and regime. Headers are case-insensitive; time is RFC3339
// or unix seconds.
func ReadCSV(r io.Reader) ([]Candle, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range []string{"time", "open", "high", "low", "close"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var out []Candle
	row := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		row++
		field := func(name string) string {
			i, ok := idx[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		var c Candle
		if c.Time, err = parseTime(field("time")); err != nil {
			return nil, fmt.Errorf("row %d: time: %w", row, err)
		}
		for _, f := range []struct {
			name string
			dst  *float64
		}{
			{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"atr", &c.ATR},
		} {
			v := field(f.name)
			if v == "" {
				continue
			}
			if *f.dst, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("row %d: %s: %w", row, f.name, err)
			}
		}
		c.Regime = domain.Regime(strings.ToUpper(field("regime")))
		if !c.Valid() {
			return nil, fmt.Errorf("row %d: inconsistent candle", row)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %q", s)
	}
	return time.Unix(secs, 0).UTC(), nil
}
