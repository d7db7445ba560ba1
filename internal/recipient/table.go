// Package recipient loads and partitions the recipient spreadsheet.
//
// The spreadsheet's first row is the column header set; every following
// row is one recipient. Row order on load is the canonical processing
// order for the whole pipeline.
package recipient

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Source loading errors
var (
	ErrSourceNotFound   = errors.New("recipient source not found")
	ErrSourceEmpty      = errors.New("recipient source has no rows")
	ErrSourceUnreadable = errors.New("recipient source unreadable")
)

// addressAliases are the recognized email column names, probed in this
// priority order. Header matching is case-insensitive per alias.
var addressAliases = []string{"邮箱", "Email", "email"}

// Row maps column name to the raw cell value of one recipient.
type Row map[string]string

// Table is an ordered recipient set: the header order plus one Row per
// recipient, in source order.
type Table struct {
	Headers []string
	Rows    []Row
}

// Load reads the first sheet of the workbook at path.
//
// It returns ErrSourceNotFound when the file is absent,
// ErrSourceUnreadable when it cannot be parsed, and ErrSourceEmpty when
// it holds zero data rows; with ErrSourceEmpty the headers-only Table is
// still returned so callers can distinguish "all done" from "corrupt".
func Load(path string) (*Table, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: %s: workbook has no sheets", ErrSourceUnreadable, path)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnreadable, path, err)
	}
	if len(rows) == 0 {
		return &Table{}, fmt.Errorf("%w: %s", ErrSourceEmpty, path)
	}

	headers := make([]string, len(rows[0]))
	copy(headers, rows[0])

	t := &Table{Headers: headers}
	for _, cells := range rows[1:] {
		row := make(Row, len(headers))
		for i, h := range headers {
			if i < len(cells) {
				row[h] = cells[i]
			} else {
				row[h] = ""
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if len(t.Rows) == 0 {
		return t, fmt.Errorf("%w: %s", ErrSourceEmpty, path)
	}
	return t, nil
}

// MissingColumns returns every placeholder name that has no matching
// column header. A non-empty result must be treated as a hard stop
// before any send attempt.
func (t *Table) MissingColumns(placeholders []string) []string {
	present := make(map[string]struct{}, len(t.Headers))
	for _, h := range t.Headers {
		present[h] = struct{}{}
	}
	var missing []string
	for _, p := range placeholders {
		if _, ok := present[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// Address resolves the recipient address of row: the first non-empty
// value found under the recognized email columns, in alias priority
// order. Returns false when the row has no usable address.
func (t *Table) Address(row Row) (string, bool) {
	for _, alias := range addressAliases {
		for _, h := range t.Headers {
			if !strings.EqualFold(h, alias) {
				continue
			}
			if v := strings.TrimSpace(row[h]); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// Partition splits the table into the batch attempted this run and the
// remaining suffix. A limit of 0 (or one covering the whole table)
// yields the full table and an empty-with-headers remainder. Order is
// preserved and no row appears in both halves.
func (t *Table) Partition(limit int) (batch, remaining *Table) {
	if limit <= 0 || len(t.Rows) <= limit {
		return t.slice(t.Rows), t.slice(nil)
	}
	return t.slice(t.Rows[:limit]), t.slice(t.Rows[limit:])
}

func (t *Table) slice(rows []Row) *Table {
	headers := make([]string, len(t.Headers))
	copy(headers, t.Headers)
	out := &Table{Headers: headers}
	out.Rows = append(out.Rows, rows...)
	return out
}
