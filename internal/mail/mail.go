// ABOUTME: SMTP email delivery using go-mail. Dial-per-send for sporadic
// ABOUTME: scheduler reports and follower notifications. BCC all recipients.
package mail

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	gomail "github.com/wneessen/go-mail"

	"github.com/frePPLe/frepple-data-admin/internal/config"
)

// addressPattern is a deliberately loose sanity check: something before an @,
// something after it, and a dot in the domain part.
var addressPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// ValidAddress reports whether addr looks like an email address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// Mailer sends email through the configured SMTP relay. The zero
// value of the configuration (empty host) yields an unconfigured Mailer that
// callers are expected to check with Configured before sending.
type Mailer struct {
	host     string
	port     int
	from     string
	username string
	password string
	tls      bool
}

// New builds a Mailer from the application configuration.
func New(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		from:     cfg.SMTPFrom,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		tls:      cfg.SMTPTLS,
	}
}

// Configured reports whether an SMTP relay is set up. Sending with an
// unconfigured Mailer returns an error.
func (m *Mailer) Configured() bool { return m.host != "" }

// Send delivers body to all recipients in one message via BCC. A non-empty
// htmlBody is attached as a text/html alternative part. Uses DialAndSend
// (dial-per-send); there is no persistent SMTP connection.
func (m *Mailer) Send(ctx context.Context, recipients []string, subject, body, htmlBody string) error {
	if !m.Configured() {
		return errors.New("email send: no SMTP host configured")
	}
	if len(recipients) == 0 {
		return errors.New("email send: no recipients")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	msg := gomail.NewMsg()
	if err := msg.FromFormat("frepple data admin", m.from); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := msg.Bcc(recipients...); err != nil {
		return fmt.Errorf("email send: set bcc: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)
	if htmlBody != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, htmlBody)
	}

	opts := []gomail.Option{
		gomail.WithPort(m.port),
	}
	if m.username != "" {
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthPlain))
		opts = append(opts, gomail.WithUsername(m.username))
		opts = append(opts, gomail.WithPassword(m.password))
	}
	if m.tls {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSOpportunistic))
	}

	c, err := gomail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
