package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/maildrop/maildrop/internal/logger"
	"github.com/maildrop/maildrop/internal/recipient"
	"github.com/maildrop/maildrop/internal/smtp"
)

type sentMsg struct {
	to      string
	subject string
	body    string
}

// fakeSender scripts per-recipient results and records every send. The
// loop is single-threaded, so no locking is needed.
type fakeSender struct {
	sent   []sentMsg
	failTo map[string]error
	afterN int    // after this many sends...
	after  func() // ...run this hook (e.g. cancel the context)
	closed bool
}

func (f *fakeSender) Send(_ context.Context, _ smtp.Addr, to, subject, body string) error {
	if err, ok := f.failTo[to]; ok {
		return err
	}
	f.sent = append(f.sent, sentMsg{to: to, subject: subject, body: body})
	if f.after != nil && len(f.sent) == f.afterN {
		f.after()
	}
	return nil
}

func (f *fakeSender) Close() error {
	f.closed = true
	return nil
}

func dialerFor(s smtp.Sender) Dialer {
	return func(context.Context) (smtp.Sender, error) { return s, nil }
}

func testOptions() Options {
	return Options{
		From:     smtp.Addr{Name: "Ops", Address: "ops@x.com"},
		Subject:  "hello",
		MinDelay: time.Millisecond,
		MaxDelay: 2 * time.Millisecond,
	}
}

func testBatch(emails ...string) *recipient.Table {
	t := &recipient.Table{Headers: []string{"id", "name", "email"}}
	for i, e := range emails {
		t.Rows = append(t.Rows, recipient.Row{
			"id":    string(rune('1' + i)),
			"name":  "user" + string(rune('1'+i)),
			"email": e,
		})
	}
	return t
}

func TestRun_FullSuccess(t *testing.T) {
	t.Parallel()

	fake := &fakeSender{}
	r := New(dialerFor(fake), logger.Nop())

	batch := testBatch("a@x.com", "b@x.com", "c@x.com")
	res, err := r.Run(context.Background(), batch, nil, "Hi {name}", testOptions())
	require.NoError(t, err)

	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, 0, res.Failed)
	require.False(t, res.Interrupted)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, batch.Headers, res.Columns)

	require.Len(t, fake.sent, 3)
	require.Equal(t, "Hi user1", fake.sent[0].body)
	require.Equal(t, "hello", fake.sent[0].subject)
	require.True(t, fake.closed)

	// all done: remaining is empty but keeps the headers
	require.Empty(t, res.Remaining.Rows)
	require.Equal(t, batch.Headers, res.Remaining.Headers)

	for _, out := range res.Outcomes {
		require.Equal(t, StatusSuccess, out.Status)
		require.Equal(t, "OK", out.Detail)
		require.False(t, out.Timestamp.IsZero())
	}
}

func TestRun_ReadyFailSkipsSession(t *testing.T) {
	t.Parallel()

	fake := &fakeSender{}
	r := New(dialerFor(fake), logger.Nop())

	batch := testBatch("a@x.com", "", "c@x.com")
	res, err := r.Run(context.Background(), batch, nil, "Hi {name}", testOptions())
	require.NoError(t, err)

	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	// the addressless row never reached the session
	require.Len(t, fake.sent, 2)
	require.Equal(t, StatusReadyFail, res.Outcomes[1].Status)
	require.Equal(t, "no valid email address", res.Outcomes[1].Detail)
}

func TestRun_SendFailContinuesBatch(t *testing.T) {
	t.Parallel()

	fake := &fakeSender{failTo: map[string]error{"b@x.com": errors.New("550 mailbox unavailable")}}
	r := New(dialerFor(fake), logger.Nop())

	batch := testBatch("a@x.com", "b@x.com", "c@x.com")
	res, err := r.Run(context.Background(), batch, nil, "Hi {name}", testOptions())
	require.NoError(t, err)

	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	require.Equal(t, StatusSendFail, res.Outcomes[1].Status)
	require.Contains(t, res.Outcomes[1].Detail, "550")

	// the row after the failure was still attempted on the same session
	require.Equal(t, "c@x.com", fake.sent[len(fake.sent)-1].to)
	require.Empty(t, res.Remaining.Rows)
}

func TestRun_ConnectFailProducesNothing(t *testing.T) {
	t.Parallel()

	dial := func(context.Context) (smtp.Sender, error) {
		return nil, errors.New("535 authentication failed")
	}
	r := New(dial, logger.Nop())

	res, err := r.Run(context.Background(), testBatch("a@x.com"), nil, "hi", testOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "535")
	require.Nil(t, res)
}

func TestRun_Preconditions(t *testing.T) {
	t.Parallel()

	var dialed int
	dial := func(context.Context) (smtp.Sender, error) {
		dialed++
		return &fakeSender{}, nil
	}
	r := New(dial, logger.Nop())
	ctx := context.Background()

	_, err := r.Run(ctx, &recipient.Table{Headers: []string{"email"}}, nil, "hi", testOptions())
	require.ErrorIs(t, err, ErrEmptyBatch)

	opts := testOptions()
	opts.From.Address = " "
	_, err = r.Run(ctx, testBatch("a@x.com"), nil, "hi", opts)
	require.ErrorIs(t, err, ErrNoSender)

	opts = testOptions()
	opts.MinDelay = 5 * time.Millisecond
	opts.MaxDelay = time.Millisecond
	_, err = r.Run(ctx, testBatch("a@x.com"), nil, "hi", opts)
	require.ErrorIs(t, err, ErrBadDelay)

	// a template column absent from the schema is a hard stop before
	// any session is opened
	_, err = r.Run(ctx, testBatch("a@x.com"), nil, "Call {phone}", testOptions())
	require.ErrorIs(t, err, ErrMissingColumns)
	require.Contains(t, err.Error(), "phone")

	require.Zero(t, dialed)
}

func TestRun_InterruptionKeepsEveryRowExactlyOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// cancel right after the second send: the loop must notice at the
	// next row boundary, archive rows 1-2 and requeue the rest
	fake := &fakeSender{afterN: 2, after: cancel}
	r := New(dialerFor(fake), logger.Nop())

	full := testBatch("a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")
	batch, deferred := full.Partition(4)

	res, err := r.Run(ctx, batch, deferred, "Hi {name}", testOptions())
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Equal(t, 2, res.Attempted)

	// processed ++ remaining == original set, order preserved, no
	// duplicates and nothing lost
	var ids []string
	for _, out := range res.Outcomes {
		ids = append(ids, out.Row["id"])
	}
	for _, row := range res.Remaining.Rows {
		ids = append(ids, row["id"])
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, ids)
}

func TestRun_RemainingAfterBoundedBatch(t *testing.T) {
	t.Parallel()

	fake := &fakeSender{}
	r := New(dialerFor(fake), logger.Nop())

	full := testBatch("a@x.com", "b@x.com", "c@x.com", "d@x.com", "e@x.com")
	batch, deferred := full.Partition(2)

	res, err := r.Run(context.Background(), batch, deferred, "Hi {name}", testOptions())
	require.NoError(t, err)

	require.Equal(t, 2, res.Attempted)
	require.Len(t, res.Remaining.Rows, 3)
	require.Equal(t, full.Headers, res.Remaining.Headers)
	require.Equal(t, "3", res.Remaining.Rows[0]["id"])
	require.Equal(t, "5", res.Remaining.Rows[2]["id"])
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "ready-fail", StatusReadyFail.String())
	require.Equal(t, "send-fail", StatusSendFail.String())
	require.Equal(t, "success", StatusSuccess.String())
}
