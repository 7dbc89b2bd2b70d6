package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/instill-ai/healthrecord-backend/pkg/ai"
)

// DateColumn is the row field JSON reports are ordered by.
const DateColumn = "Datum"

const dateLayout = "2006-01-02"

var dateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006",
	"2.1.2006",
	"2006-01",
	"01.2006",
	"2006",
}

// Row is one entry of a JSON report.
type Row map[string]any

// ParseRows reads the rows of one year's output. They are expected under
// rowsKey; a bare array is accepted too. String values are trimmed.
func ParseRows(raw, rowsKey string) ([]Row, error) {
	cleaned := ai.CleanJSON(raw)

	var rows []Row
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &rows); err != nil {
			return nil, fmt.Errorf("decoding report rows: %w", err)
		}
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
			return nil, fmt.Errorf("decoding report output: %w", err)
		}
		data, ok := obj[rowsKey]
		if !ok {
			return nil, fmt.Errorf("report output has no %q key", rowsKey)
		}
		if string(data) != "null" {
			if err := json.Unmarshal(data, &rows); err != nil {
				return nil, fmt.Errorf("decoding report rows under %q: %w", rowsKey, err)
			}
		}
	}

	for _, r := range rows {
		for k, v := range r {
			if s, ok := v.(string); ok {
				r[k] = strings.TrimSpace(s)
			}
		}
	}
	return rows, nil
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MergeRows concatenates the rows of every year, orders them by date and
// renders the dates as YYYY-MM-DD. Rows without a readable date keep their
// value and are placed last.
func MergeRows(years [][]Row) []Row {
	type dated struct {
		row Row
		at  time.Time
		ok  bool
	}

	var all []dated
	for _, rows := range years {
		for _, r := range rows {
			at, ok := parseDate(r[DateColumn])
			all = append(all, dated{row: r, at: at, ok: ok})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].ok != all[j].ok {
			return all[i].ok
		}
		return all[i].at.Before(all[j].at)
	})

	out := make([]Row, 0, len(all))
	for _, d := range all {
		if d.ok {
			d.row[DateColumn] = d.at.Format(dateLayout)
		}
		out = append(out, d.row)
	}
	return out
}
