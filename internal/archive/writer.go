// Package archive is the only component permitted to mutate the on-disk
// history table and recipient queue. It appends each run's outcomes to
// the cumulative history and rewrites the source with exactly the rows
// not yet attempted.
package archive

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/maildrop/maildrop/internal/campaign"
	"github.com/maildrop/maildrop/internal/logger"
	"github.com/maildrop/maildrop/internal/recipient"
)

// Outcome columns appended after the original recipient columns.
const (
	StatusColumn    = "status"
	DetailColumn    = "detail"
	TimestampColumn = "timestamp"
)

// TimestampFormat is the wall-clock form written to the history table.
const TimestampFormat = "2006-01-02 15:04:05"

// ErrFileLocked marks a transient write failure: another process (an
// open spreadsheet, typically) holds the file. Retryable.
var ErrFileLocked = errors.New("archive: file locked by another process")

// RetryPolicy decides whether a lock-failed write is attempted again.
// attempt counts from 1. The policy owns any waiting between attempts;
// an interactive front end may block on operator acknowledgment here,
// an unattended one sleeps a bounded backoff.
type RetryPolicy func(attempt int, err error) bool

// BackoffRetry retries up to max times, sleeping base, 2*base, 4*base...
// between attempts, capped at 30 seconds.
func BackoffRetry(max int, base time.Duration) RetryPolicy {
	return func(attempt int, _ error) bool {
		if attempt >= max {
			return false
		}
		d := base << (attempt - 1)
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		time.Sleep(d)
		return true
	}
}

// NoRetry fails on the first lock error.
func NoRetry() RetryPolicy {
	return func(int, error) bool { return false }
}

// Writer persists run results. It owns the history table and the
// remaining queue on disk.
type Writer struct {
	log   *logger.Logger
	retry RetryPolicy
}

// New creates a Writer with the given lock-retry policy.
func New(log *logger.Logger, retry RetryPolicy) *Writer {
	if retry == nil {
		retry = NoRetry()
	}
	return &Writer{log: log.WithComponent("archive"), retry: retry}
}

// AppendHistory merges outcomes into the history table at path. Existing
// records are preserved; the column set is the union of old and new
// (missing cells stay empty), so the schema may grow across runs. Lock
// failures are retried per policy; any other failure is terminal for
// archival but not data loss — the caller still holds the outcomes.
func (w *Writer) AppendHistory(path string, columns []string, outcomes []campaign.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	headers := appendUnique(nil, columns...)
	headers = appendUnique(headers, StatusColumn, DetailColumn, TimestampColumn)

	var rows []recipient.Row
	prior, err := recipient.Load(path)
	switch {
	case err == nil || errors.Is(err, recipient.ErrSourceEmpty):
		headers = appendUnique(appendUnique(nil, prior.Headers...), headers...)
		rows = append(rows, prior.Rows...)
	case errors.Is(err, recipient.ErrSourceNotFound):
		// First run: outcomes alone become the file.
	default:
		return fmt.Errorf("archive: read history %s: %w", path, err)
	}

	for _, out := range outcomes {
		rec := make(recipient.Row, len(out.Row)+3)
		for k, v := range out.Row {
			rec[k] = v
		}
		rec[StatusColumn] = out.Status.String()
		rec[DetailColumn] = out.Detail
		rec[TimestampColumn] = out.Timestamp.Format(TimestampFormat)
		rows = append(rows, rec)
	}

	if err := w.saveWithRetry(path, headers, rows); err != nil {
		return fmt.Errorf("archive: write history %s: %w", path, err)
	}
	w.log.Info().Str("path", path).Int("records", len(outcomes)).Int("total", len(rows)).Msg("history archived")
	return nil
}

// WriteRemaining overwrites the recipient source with exactly the rows
// not yet attempted. Headers are always written: an empty-but-headered
// file is the canonical "all done" state, distinguishable from a missing
// or corrupt one. Callers must only invoke this after AppendHistory
// succeeded (or loss was explicitly accepted) so a row is never dropped
// from the queue before it is durably archived.
func (w *Writer) WriteRemaining(path string, remaining *recipient.Table) error {
	if err := w.saveWithRetry(path, remaining.Headers, remaining.Rows); err != nil {
		return fmt.Errorf("archive: write remaining %s: %w", path, err)
	}
	w.log.Info().Str("path", path).Int("rows", len(remaining.Rows)).Msg("remaining queue written")
	return nil
}

func (w *Writer) saveWithRetry(path string, headers []string, rows []recipient.Row) error {
	for attempt := 1; ; attempt++ {
		err := saveTable(path, headers, rows)
		if err == nil {
			return nil
		}
		if !isLocked(err) {
			return err
		}
		lockErr := fmt.Errorf("%w: %s: %v", ErrFileLocked, path, err)
		w.log.Warn().Int("attempt", attempt).Str("path", path).Msg("file locked, close it to allow the write")
		if !w.retry(attempt, lockErr) {
			return lockErr
		}
	}
}

func saveTable(path string, headers []string, rows []recipient.Row) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	cells := make([]interface{}, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &cells); err != nil {
		return err
	}

	for i, row := range rows {
		cells := make([]interface{}, len(headers))
		for j, h := range headers {
			cells[j] = row[h]
		}
		start, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, start, &cells); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

// isLocked reports whether err looks like another process holding the
// file open (Excel keeps the workbook exclusively locked on Windows;
// Unix surfaces EBUSY/EAGAIN from advisory locks).
func isLocked(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EBUSY || errno == syscall.EAGAIN || errno == syscall.ETXTBSY
	}
	return false
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
