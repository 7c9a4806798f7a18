package smtpx

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
)

// Envelope renders a plain text rfc 5322 message. The newsletter core
// only ever sends text bodies, anything fancier lives with whoever
// authored the message.
type Envelope struct {
	From    string
	To      []string
	Subject string
	Body    string

	MessageId string
	Date      time.Time
}

func (e Envelope) WriteTo(w io.Writer) (int64, error) {
	id := e.MessageId
	if id == "" {
		id = GenerateId()
	}
	date := e.Date
	if date.IsZero() {
		date = time.Now().In(time.UTC)
	}

	var buf bytes.Buffer
	header := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	header("From", e.From)
	header("To", strings.Join(e.To, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", e.Subject))
	header("Message-Id", fmt.Sprintf("<%s>", id))
	header("Date", date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	buf.WriteString("\r\n")

	body := strings.ReplaceAll(e.Body, "\r\n", "\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	buf.WriteString("\r\n")

	return buf.WriteTo(w)
}
