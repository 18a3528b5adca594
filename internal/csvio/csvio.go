// Package csvio reads bar history from CSV exports. Exchange exports are
// frequently UTF-16 with a BOM, so the reader sniffs and transcodes
// before parsing.
package csvio

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/minjae-oh/quantcore/internal/types"
)

// ReadBarsFile reads a CSV file of minute bars.
func ReadBarsFile(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	bars, err := ReadBars(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return bars, nil
}

// ReadBars parses rows of the form
// timestamp,open,high,low,close[,volume_quote[,volume_base]] with an
// optional header. Timestamps may be unix seconds, unix milliseconds, or
// RFC 3339. Rows come back sorted ascending.
func ReadBars(r io.Reader) ([]types.Bar, error) {
	br := bufio.NewReader(r)
	if b, _ := br.Peek(2); len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		endian := unicode.LittleEndian
		if b[0] == 0xFE {
			endian = unicode.BigEndian
		}
		br = bufio.NewReader(transform.NewReader(br, unicode.UTF16(endian, unicode.ExpectBOM).NewDecoder()))
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var bars []types.Bar
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row: %w", err)
		}
		line++
		if len(rec) < 5 {
			continue
		}

		tsField := strings.TrimSpace(strings.TrimPrefix(rec[0], "\uFEFF"))
		if line == 1 && !startsNumericOrDate(tsField) {
			continue // header
		}

		ts, err := parseTimestamp(tsField)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}

		bar := types.Bar{Timestamp: ts}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.VolumeQuote, &bar.VolumeBase}
		for i, dst := range fields {
			col := i + 1
			if col >= len(rec) {
				break
			}
			v, err := parseFloat(rec[col])
			if err != nil {
				return nil, fmt.Errorf("row %d col %d: %w", line, col+1, err)
			}
			*dst = v
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func startsNumericOrDate(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= '0' && c <= '9'
}

// parseTimestamp accepts unix seconds, unix milliseconds (13+ digits),
// or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if len(s) >= 13 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(strings.Trim(s, `"`)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable number %q", s)
	}
	return v, nil
}
