package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// EmailSettings configure the SMTP channel.
type EmailSettings struct {
	Server   string
	Port     int
	UseTLS   bool // STARTTLS after connect
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel delivers notifications over SMTP.
type EmailChannel struct {
	name string
	s    EmailSettings
}

// NewEmail builds the email channel. Port defaults to 587.
func NewEmail(s EmailSettings) (*EmailChannel, error) {
	if s.Server == "" {
		return nil, fmt.Errorf("email: smtp_server required")
	}
	if s.From == "" {
		return nil, fmt.Errorf("email: from address required")
	}
	if len(s.To) == 0 {
		return nil, fmt.Errorf("email: at least one recipient required")
	}
	if s.Port == 0 {
		s.Port = 587
	}
	return &EmailChannel{name: "email", s: s}, nil
}

func (e *EmailChannel) Name() string { return e.name }

// Send speaks the full SMTP exchange: STARTTLS when configured, AUTH
// when the server offers it and credentials are present, one RCPT per
// recipient, then DATA. 5xx SMTP replies are permanent; 4xx replies
// and connection errors are transient.
func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(e.s.Server, strconv.Itoa(e.s.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return transientf(e.name, "dial %s: %v", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.s.Server)
	if err != nil {
		conn.Close()
		return e.classify("greeting", err)
	}
	defer c.Close()

	if e.s.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return permanentf(e.name, "server %s does not offer STARTTLS", e.s.Server)
		}
		if err := c.StartTLS(&tls.Config{ServerName: e.s.Server}); err != nil {
			return e.classify("starttls", err)
		}
	}
	if e.s.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", e.s.Username, e.s.Password, e.s.Server)
			if err := c.Auth(auth); err != nil {
				return e.classify("auth", err)
			}
		}
	}
	if err := c.Mail(e.s.From); err != nil {
		return e.classify("mail from", err)
	}
	for _, rcpt := range e.s.To {
		if err := c.Rcpt(rcpt); err != nil {
			return e.classify("rcpt "+rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return e.classify("data", err)
	}
	if _, err := w.Write(e.render(msg)); err != nil {
		w.Close()
		return transientf(e.name, "write body: %v", err)
	}
	// The server accepts the message when end-of-data succeeds; a
	// failed QUIT afterwards does not undo delivery.
	if err := w.Close(); err != nil {
		return e.classify("end of data", err)
	}
	_ = c.Quit()
	return nil
}

func (e *EmailChannel) classify(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return permanentf(e.name, "%s: %v", op, err)
	}
	return transientf(e.name, "%s: %v", op, err)
}

// render produces the RFC 5322 message bytes.
func (e *EmailChannel) render(msg Message) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", e.s.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.s.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Event.EventTime().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// sanitizeHeader strips CR and LF so rendered values cannot inject
// extra headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, "\n", " ")
}
