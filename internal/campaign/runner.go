// Package campaign drives one dispatch run: a single mail session, one
// message per recipient row, humanlike delays between rows, and a full
// accounting of what was attempted so the caller can archive it.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maildrop/maildrop/internal/logger"
	"github.com/maildrop/maildrop/internal/recipient"
	"github.com/maildrop/maildrop/internal/smtp"
	"github.com/maildrop/maildrop/internal/template"
)

// Pre-run validation errors. The run never starts and no file is touched
// when any of these is returned.
var (
	ErrEmptyBatch     = errors.New("campaign: batch is empty")
	ErrNoSender       = errors.New("campaign: sender address is required")
	ErrBadDelay       = errors.New("campaign: delay bounds must be positive and min <= max")
	ErrMissingColumns = errors.New("campaign: recipient table lacks template columns")
)

const noAddressDetail = "no valid email address"

// Dialer opens the run's mail session. It is injected so the loop can
// be exercised against fakes.
type Dialer func(ctx context.Context) (smtp.Sender, error)

// Options configures one run. All values come from the front end; the
// loop reads no ambient state.
type Options struct {
	From     smtp.Addr
	Subject  string
	MinDelay time.Duration
	MaxDelay time.Duration

	// CheckpointEvery inserts a longer CheckpointPause after every Nth
	// message instead of the uniform jitter. 0 disables.
	CheckpointEvery int
	CheckpointPause time.Duration
}

// Outcome records one processed row: the original fields plus how the
// attempt went. Created exactly once per row that entered the loop.
type Outcome struct {
	Row       recipient.Row
	Status    Status
	Detail    string
	Timestamp time.Time
}

// Result is what a run hands back to the front end.
type Result struct {
	RunID     string
	Attempted int
	Succeeded int
	Failed    int
	// Columns is the batch header order, needed to archive Outcomes.
	Columns  []string
	Outcomes []Outcome
	// Remaining holds every row never reached this run, in original
	// order: the unprocessed batch suffix (on interruption) followed by
	// the rows the partitioner already deferred.
	Remaining *recipient.Table
	// Interrupted reports whether the run ended on cancellation rather
	// than exhausting the batch.
	Interrupted bool
}

// Runner is the send loop. One Runner may be reused across runs; each
// Run opens and closes its own session.
type Runner struct {
	dial Dialer
	log  *logger.Logger
	rng  *rand.Rand
}

// New creates a Runner dialing sessions through dial.
func New(dial Dialer, log *logger.Logger) *Runner {
	return &Runner{
		dial: dial,
		log:  log.WithComponent("campaign"),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run sends the batch one row at a time over a single session.
//
// Cancellation is observed only at row boundaries (including the delay
// wait), never mid-send; an interrupted run is a graceful early end of
// batch, not an error. Rows already processed stay in Outcomes, rows
// never reached move into Remaining. Per-row failures never abort the
// batch; only a failure to establish the session does, and in that case
// zero outcomes are produced and the queue is untouched.
func (r *Runner) Run(ctx context.Context, batch, remaining *recipient.Table, tpl string, opts Options) (*Result, error) {
	if batch == nil || len(batch.Rows) == 0 {
		return nil, ErrEmptyBatch
	}
	if strings.TrimSpace(opts.From.Address) == "" {
		return nil, ErrNoSender
	}
	if opts.MinDelay <= 0 || opts.MaxDelay <= 0 || opts.MinDelay > opts.MaxDelay {
		return nil, ErrBadDelay
	}
	if missing := batch.MissingColumns(template.Placeholders(tpl)); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	if remaining == nil {
		remaining = &recipient.Table{Headers: batch.Headers}
	}

	runID := uuid.NewString()
	log := r.log.WithRunID(runID)

	sess, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("campaign: open mail session: %w", err)
	}
	defer sess.Close()

	total := len(batch.Rows)
	log.Info().Int("batch", total).Int("deferred", len(remaining.Rows)).Msg("dispatch started")

	res := &Result{RunID: runID, Columns: batch.Headers}

	for i, row := range batch.Rows {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}

		out := r.sendOne(ctx, sess, batch, row, tpl, opts)
		res.Outcomes = append(res.Outcomes, out)
		if out.Status == StatusSuccess {
			res.Succeeded++
		} else {
			res.Failed++
		}

		to, _ := batch.Address(row)
		log.SendAttempt(i, total, to, out.Status.String(), out.Detail)

		if i < total-1 {
			if !r.pause(ctx, i, opts) {
				res.Interrupted = true
				break
			}
		}
	}

	res.Attempted = len(res.Outcomes)

	// Unreached batch rows rejoin the queue ahead of the deferred rows,
	// preserving original order.
	rest := batch.Rows[res.Attempted:]
	rows := make([]recipient.Row, 0, len(rest)+len(remaining.Rows))
	rows = append(rows, rest...)
	rows = append(rows, remaining.Rows...)
	res.Remaining = &recipient.Table{Headers: batch.Headers, Rows: rows}

	log.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("remaining", len(res.Remaining.Rows)).
		Bool("interrupted", res.Interrupted).
		Msg("dispatch finished")
	return res, nil
}

func (r *Runner) sendOne(ctx context.Context, sess smtp.Sender, batch *recipient.Table, row recipient.Row, tpl string, opts Options) Outcome {
	out := Outcome{Row: row, Timestamp: time.Now()}

	to, ok := batch.Address(row)
	if !ok {
		out.Status = StatusReadyFail
		out.Detail = noAddressDetail
		return out
	}

	body := template.Render(tpl, row)
	if err := sess.Send(ctx, opts.From, to, opts.Subject, body); err != nil {
		out.Status = StatusSendFail
		out.Detail = err.Error()
		return out
	}
	out.Status = StatusSuccess
	out.Detail = "OK"
	return out
}

// pause blocks between rows: a long checkpoint pause on every Nth
// message when configured, otherwise a uniform draw from
// [MinDelay, MaxDelay]. Returns false when cancelled during the wait.
func (r *Runner) pause(ctx context.Context, i int, opts Options) bool {
	d := opts.MinDelay
	if span := opts.MaxDelay - opts.MinDelay; span > 0 {
		d += time.Duration(r.rng.Int63n(int64(span) + 1))
	}
	if opts.CheckpointEvery > 0 && (i+1)%opts.CheckpointEvery == 0 {
		d = opts.CheckpointPause
	}
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
