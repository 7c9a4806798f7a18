package smtpx

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"os"

	"github.com/google/uuid"
)

type Logger interface {
	Logf(format string, args ...interface{})
}

// Connection is a live session against one SMTP server. Implementations
// are expected to survive multiple SendMail calls so they can be pooled.
type Connection interface {
	SendMail(from string, to []string, msg io.WriterTo) error
	SetLogger(logger Logger)
	Close() error
}

// Dialer opens a Connection to addr, introducing itself as localName.
// auth may be nil for relays that do not require it.
type Dialer func(logger Logger, addr string, localName string, auth smtp.Auth) (Connection, error)

// NewDialer returns the standard net/smtp backed dialer. STARTTLS is
// used when the server offers it.
func NewDialer() Dialer {
	return func(logger Logger, addr string, localName string, auth smtp.Auth) (Connection, error) {
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("could not dial %s: %w", addr, err)
		}

		err = client.Hello(localName)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("could not helo as %s: %w", localName, err)
		}

		if ok, _ := client.Extension("STARTTLS"); ok {
			host, _, _ := net.SplitHostPort(addr)
			err = client.StartTLS(&tls.Config{ServerName: host})
			if err != nil {
				_ = client.Close()
				return nil, fmt.Errorf("could not start tls against %s: %w", addr, err)
			}
		}

		if auth != nil {
			err = client.Auth(auth)
			if err != nil {
				_ = client.Close()
				// Auth errors must reach the caller untouched, the
				// dispatcher classifies them by their smtp code.
				return nil, err
			}
		}

		return &connection{client: client, logger: logger}, nil
	}
}

type connection struct {
	client *smtp.Client
	logger Logger
}

func (c *connection) SetLogger(logger Logger) {
	c.logger = logger
}

func (c *connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Logf(format, args...)
	}
}

func (c *connection) SendMail(from string, to []string, msg io.WriterTo) error {
	err := c.client.Mail(from)
	if err != nil {
		_ = c.client.Reset()
		return err
	}
	for _, rcpt := range to {
		err = c.client.Rcpt(rcpt)
		if err != nil {
			_ = c.client.Reset()
			return err
		}
	}
	w, err := c.client.Data()
	if err != nil {
		_ = c.client.Reset()
		return err
	}
	n, err := msg.WriteTo(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	err = w.Close()
	if err != nil {
		return err
	}
	c.logf("wrote %d bytes to %v", n, to)
	return nil
}

func (c *connection) Close() error {
	err := c.client.Quit()
	if err != nil {
		return c.client.Close()
	}
	return nil
}

func GenerateId() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), hostname)
}
