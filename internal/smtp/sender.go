package smtp

import "context"

// Addr is a sender identity: display name plus mailbox address.
type Addr struct {
	Name    string
	Address string
}

// Sender is the interface the send loop transmits through. The real
// implementation is Session; tests substitute fakes.
type Sender interface {
	// Send transmits one plain-text message. A send error does not
	// invalidate the session; further sends must still be possible.
	Send(ctx context.Context, from Addr, to, subject, body string) error

	// Close releases the session. Best-effort.
	Close() error
}
