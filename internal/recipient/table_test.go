package recipient

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, rows [][]interface{}) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "recipients.xlsx")
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestLoad_NotFound(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.xlsx"))
	require.ErrorIs(t, err, ErrSourceNotFound)
}

func TestLoad_Unreadable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("not a workbook"), 0644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrSourceUnreadable)
}

func TestLoad_HeadersOnlyIsEmpty(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t, [][]interface{}{{"name", "email"}})

	table, err := Load(path)
	require.ErrorIs(t, err, ErrSourceEmpty)
	// The headers-only table is still returned so callers can tell
	// "all done" apart from a corrupt file.
	require.NotNil(t, table)
	require.Equal(t, []string{"name", "email"}, table.Headers)
	require.Empty(t, table.Rows)
}

func TestLoad_RowsAndPadding(t *testing.T) {
	t.Parallel()

	path := writeWorkbook(t, [][]interface{}{
		{"name", "email", "code"},
		{"Ada", "ada@x.com", "7"},
		{"Bob"}, // short row: trailing cells read back empty
	})

	table, err := Load(path)
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	require.Equal(t, Row{"name": "Ada", "email": "ada@x.com", "code": "7"}, table.Rows[0])
	require.Equal(t, Row{"name": "Bob", "email": "", "code": ""}, table.Rows[1])
}

func TestMissingColumns(t *testing.T) {
	t.Parallel()

	table := &Table{Headers: []string{"name", "email"}}
	require.Empty(t, table.MissingColumns([]string{"name"}))
	require.Equal(t, []string{"phone", "city"}, table.MissingColumns([]string{"phone", "name", "city"}))
}

func TestAddress_PriorityOrder(t *testing.T) {
	t.Parallel()

	table := &Table{Headers: []string{"Email", "邮箱"}}

	addr, ok := table.Address(Row{"邮箱": "cn@x.com", "Email": "en@x.com"})
	require.True(t, ok)
	require.Equal(t, "cn@x.com", addr)

	addr, ok = table.Address(Row{"邮箱": "", "Email": " en@x.com "})
	require.True(t, ok)
	require.Equal(t, "en@x.com", addr)
}

func TestAddress_CaseInsensitiveHeader(t *testing.T) {
	t.Parallel()

	table := &Table{Headers: []string{"EMAIL"}}
	addr, ok := table.Address(Row{"EMAIL": "a@x.com"})
	require.True(t, ok)
	require.Equal(t, "a@x.com", addr)
}

func TestAddress_None(t *testing.T) {
	t.Parallel()

	table := &Table{Headers: []string{"name", "email"}}
	_, ok := table.Address(Row{"name": "Ada", "email": "  "})
	require.False(t, ok)
}

func newTable(n int) *Table {
	t := &Table{Headers: []string{"id", "email"}}
	for i := 0; i < n; i++ {
		t.Rows = append(t.Rows, Row{"id": string(rune('a' + i)), "email": "x@x.com"})
	}
	return t
}

func TestPartition_UnboundedAndCovering(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{0, 5, 10} {
		table := newTable(5)
		batch, remaining := table.Partition(limit)
		require.Equal(t, table.Rows, batch.Rows, "limit %d", limit)
		require.Empty(t, remaining.Rows, "limit %d", limit)
		require.Equal(t, table.Headers, remaining.Headers, "limit %d: remainder keeps headers", limit)
	}
}

func TestPartition_SplitPreservesOrderAndDisjoint(t *testing.T) {
	t.Parallel()

	table := newTable(5)
	batch, remaining := table.Partition(2)

	require.Len(t, batch.Rows, 2)
	require.Len(t, remaining.Rows, 3)

	// batch ++ remaining == original, in order
	var ids []string
	for _, r := range append(append([]Row{}, batch.Rows...), remaining.Rows...) {
		ids = append(ids, r["id"])
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)

	// no original columns dropped, no outcome columns added
	require.Equal(t, table.Headers, batch.Headers)
	require.Equal(t, table.Headers, remaining.Headers)
}
