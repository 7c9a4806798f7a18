package smtpx

import (
	"bytes"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func TestEnvelopeWriteTo(t *testing.T) {
	e := Envelope{
		From:      "news@example.com",
		To:        []string{"a@example.com", "b@example.com"},
		Subject:   "Weekly digest",
		Body:      "first line\nsecond line",
		MessageId: "test-id@localhost",
		Date:      time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}

	var buf bytes.Buffer
	_, err := e.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("rendered message does not parse: %v", err)
	}

	if got := msg.Header.Get("From"); got != "news@example.com" {
		t.Errorf("From = %q", got)
	}
	if got := msg.Header.Get("To"); got != "a@example.com, b@example.com" {
		t.Errorf("To = %q", got)
	}
	if got := msg.Header.Get("Subject"); got != "Weekly digest" {
		t.Errorf("Subject = %q", got)
	}
	if got := msg.Header.Get("Message-Id"); got != "<test-id@localhost>" {
		t.Errorf("Message-Id = %q", got)
	}

	if !strings.Contains(buf.String(), "first line\r\nsecond line\r\n") {
		t.Errorf("body not crlf terminated: %q", buf.String())
	}
}

func TestEnvelopeDefaultsIdAndDate(t *testing.T) {
	e := Envelope{
		From:    "news@example.com",
		To:      []string{"a@example.com"},
		Subject: "hi",
		Body:    "there",
	}

	var buf bytes.Buffer
	_, err := e.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("rendered message does not parse: %v", err)
	}
	if msg.Header.Get("Message-Id") == "" {
		t.Error("expected a generated Message-Id")
	}
	if _, err := mail.ParseDate(msg.Header.Get("Date")); err != nil {
		t.Errorf("bad Date header: %v", err)
	}
}
