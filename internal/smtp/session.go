// Package smtp owns the single authenticated mail-submission session a
// run sends through.
package smtp

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/maildrop/maildrop/internal/logger"
)

// Config holds the mail-submission connection parameters.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Session is one authenticated SMTP connection. It is opened once per
// run and exclusively owned by the send loop for the run's duration.
type Session struct {
	client *mail.Client
	log    *logger.Logger
}

// Open dials and authenticates a session. Port 465 selects implicit TLS;
// any other port connects plain and upgrades via STARTTLS when offered.
// Any failure here (DNS, TLS negotiation, rejected credentials) aborts
// the whole run: nothing has been attempted yet.
func Open(ctx context.Context, cfg Config, log *logger.Logger) (*Session, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}
	if cfg.Port == 465 {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp: create client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return nil, fmt.Errorf("smtp: connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	log.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("username", cfg.Username).Msg("mail session established")
	return &Session{client: client, log: log}, nil
}

// Send transmits one plain-text message over the open session. A
// transport error is returned to the caller but leaves the session
// usable for the next row.
func (s *Session) Send(ctx context.Context, from Addr, to, subject, body string) error {
	m := mail.NewMsg()
	if err := m.FromFormat(from.Name, from.Address); err != nil {
		return fmt.Errorf("smtp: set from %q: %w", from.Address, err)
	}
	if err := m.To(to); err != nil {
		return fmt.Errorf("smtp: set recipient %q: %w", to, err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	if err := s.client.Send(m); err != nil {
		return fmt.Errorf("smtp: send to %s: %w", to, err)
	}
	return nil
}

// Close quits the session. Failures are logged, never escalated: the
// batch has already completed by the time Close runs.
func (s *Session) Close() error {
	if err := s.client.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close mail session")
		return err
	}
	return nil
}
