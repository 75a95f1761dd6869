package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/jordan-wright/email"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	// Addr is the SMTP server host:port.
	Addr     string
	From     string
	Username string
	Password string
}

// EmailTransport delivers mailto: destinations over SMTP.
type EmailTransport struct {
	cfg  EmailConfig
	send func(e *email.Email) error
}

var _ Transport = (*EmailTransport)(nil)

func NewEmailTransport(cfg EmailConfig) (*EmailTransport, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("smtp addr is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	t := &EmailTransport{cfg: cfg}
	t.send = func(e *email.Email) error {
		var auth smtp.Auth
		if cfg.Username != "" {
			host, _, err := net.SplitHostPort(cfg.Addr)
			if err != nil {
				return fmt.Errorf("parse smtp addr: %w", err)
			}
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
		}
		return e.Send(cfg.Addr, auth)
	}
	return t, nil
}

// Deliver sends msg to the mailto: recipients. jordan-wright/email has no
// context support; ctx is only checked before sending.
func (t *EmailTransport) Deliver(ctx context.Context, dest *url.URL, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to := recipients(dest)
	if len(to) == 0 {
		return fmt.Errorf("mailto destination has no recipient")
	}

	e := email.NewEmail()
	e.From = t.cfg.From
	e.To = to
	e.Subject = msg.Subject
	e.Text = []byte(msg.Body)
	e.Headers.Set("X-Snapvault-Message-Id", msg.ID)
	return t.send(e)
}

func recipients(dest *url.URL) []string {
	raw := dest.Opaque
	if raw == "" {
		raw = dest.Path
	}
	var out []string
	for _, addr := range strings.Split(raw, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
