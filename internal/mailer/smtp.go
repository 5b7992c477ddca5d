package mailer

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// DefaultSMTPTimeout bounds one delivery when the context carries no earlier deadline.
const DefaultSMTPTimeout = 30 * time.Second

// SMTPSender delivers through an SMTP relay. Every delivery runs on its own
// connection with a deadline, so a hung relay cannot outlive the call.
type SMTPSender struct {
	host     string
	port     int
	user     string
	password string
	from     string
	domain   string
	timeout  time.Duration
	renderer *Renderer
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewSMTPSender(host string, port int, user, password, from string, renderer *Renderer) *SMTPSender {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &SMTPSender{
		host:     host,
		port:     port,
		user:     user,
		password: password,
		from:     from,
		domain:   domain,
		timeout:  DefaultSMTPTimeout,
		renderer: renderer,
		dial:     d.DialContext,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	rendered, err := s.renderer.Render(msg.Template, msg.Variables)
	if err != nil {
		return "", err
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", rendered.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", rendered.Text)
	m.AddAlternative("text/html", rendered.HTML)

	conn, err := s.dial(ctx, "tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return "", fmt.Errorf("smtp dial: %w", err)
	}
	deadline := time.Now().Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("smtp deadline: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.deliver(conn, m) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		// closing the conn unblocks deliver; wait so a late success is still reported
		_ = conn.Close()
		if err = <-done; err != nil {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
	}
	if err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return messageID, nil
}

func (s *SMTPSender) deliver(conn net.Conn, m *gomail.Message) error {
	if s.port == 465 {
		conn = tls.Client(conn, &tls.Config{ServerName: s.host})
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if s.port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return err
			}
		}
	}
	if s.user != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", s.user, s.password, s.host)); err != nil {
				return err
			}
		}
	}
	if err := gomail.Send(clientSender{c}, m); err != nil {
		return err
	}
	return c.Quit()
}

// clientSender hands gomail's encoded message to an open SMTP session.
type clientSender struct{ c *smtp.Client }

func (cs clientSender) Send(from string, to []string, msg io.WriterTo) error {
	if err := cs.c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := cs.c.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := cs.c.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
