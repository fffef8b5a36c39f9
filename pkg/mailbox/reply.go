package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Replier sends outcome notices back to the address that triggered an
// action. Replies are best effort; a failed reply never undoes the action
// it reports on.
type Replier struct {
	server   string
	port     int
	login    string
	password string
	from     string
	timeout  time.Duration
}

// NewReplier creates an SMTP replier sending as the from address.
func NewReplier(server string, port int, login, password, from string, timeout time.Duration) *Replier {
	return &Replier{
		server:   server,
		port:     port,
		login:    login,
		password: password,
		from:     from,
		timeout:  timeout,
	}
}

// Reply sends a plain-text mail to the recipient.
func (r *Replier) Reply(ctx context.Context, to, subject, body string) error {
	client, err := mail.NewClient(r.server,
		mail.WithPort(r.port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(r.login),
		mail.WithPassword(r.password),
		mail.WithTimeout(r.timeout),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("smtp client for %s: %w", r.server, err)
	}

	msg := mail.NewMsg()
	if err := msg.From(r.from); err != nil {
		return fmt.Errorf("invalid reply sender %q: %w", r.from, err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("invalid reply recipient %q: %w", to, err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
