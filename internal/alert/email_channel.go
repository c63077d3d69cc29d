package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/otso-systems/gridtrader/internal/gridmodel"
)

// EmailChannel delivers alerts over SMTP. No example repo in the retrieved
// pack sends email (checked across every vendored dependency), so this is
// the one Channel built directly on the standard library rather than a
// third-party mailer — net/smtp is sufficient for a single fire-and-forget
// plaintext message per alert.
type EmailChannel struct {
	host     string
	port     string
	from     string
	to       []string
	auth     smtp.Auth
}

// NewEmailChannel builds a channel that authenticates with PLAIN auth
// against host:port. Pass an empty username/password to send unauthenticated
// (e.g. a local relay).
func NewEmailChannel(host, port, username, password, from string, to []string) *EmailChannel {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailChannel{host: host, port: port, from: from, to: to, auth: auth}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, a *gridmodel.Alert) error {
	if len(c.to) == 0 {
		return nil
	}
	subject := fmt.Sprintf("[%s] %s grid alert: %s", a.Severity, a.Symbol, a.Kind)
	var body strings.Builder
	fmt.Fprintf(&body, "Kind: %s\nSeverity: %s\nSymbol: %s\n", a.Kind, a.Severity, a.Symbol)
	if a.GridID != nil {
		fmt.Fprintf(&body, "Grid ID: %d\n", *a.GridID)
	}
	for k, v := range a.Payload {
		fmt.Fprintf(&body, "%s: %v\n", k, v)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		c.from, strings.Join(c.to, ","), subject, body.String())

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(c.host+":"+c.port, c.auth, c.from, c.to, []byte(msg))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
