package campaign

// Status classifies the outcome of one processed row. It is a closed
// set so callers can handle every case exhaustively.
type Status int

const (
	// StatusReadyFail means the row never reached the session: it has
	// no resolvable recipient address.
	StatusReadyFail Status = iota
	// StatusSendFail means the transport rejected or errored on the
	// message.
	StatusSendFail
	// StatusSuccess means the message was accepted.
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusReadyFail:
		return "ready-fail"
	case StatusSendFail:
		return "send-fail"
	case StatusSuccess:
		return "success"
	default:
		return "unknown"
	}
}
