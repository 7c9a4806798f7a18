package dispatch

import (
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"sync"

	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/smtpx"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Sender is the transport the engine fans out over. smtpx/pool
// implements it against the configured relay.
type Sender interface {
	SendMail(logger smtpx.Logger, from string, to []string, msg io.WriterTo) error
}

type Config struct {
	From string
}

type Engine struct {
	cfg    Config
	sender Sender
	log    *logrus.Logger
	met    *metrics.Metrics
}

func New(cfg Config, sender Sender, lc *tools.Logger, met *metrics.Metrics) *Engine {
	return &Engine{
		cfg:    cfg,
		sender: sender,
		log:    lc.New("dispatch"),
		met:    met,
	}
}

// Result is the aggregate of one newsletter dispatch, the only thing
// that survives into the attempt record.
type Result struct {
	Succeeded bool
	Response  string
}

// outcome of a single recipient send, consumed within this dispatch
// and thrown away.
type outcome struct {
	recipient string
	completed bool
	errText   string
}

// Dispatch sends the message to every recipient concurrently and waits
// for all of them. One recipient failing does not block or cancel the
// others, and there are no retries, a failed send is final for this
// attempt.
//
// The reduction to a single result is a stated business rule: if at
// least one recipient got the mail the attempt is "OK", if every single
// one failed the attempt carries the error text of the first recipient
// in declared order. Per recipient detail is deliberately dropped.
func (e *Engine) Dispatch(subject string, body string, recipients []utskick.Client) Result {
	if len(recipients) == 0 {
		return Result{Succeeded: false, Response: "no recipients"}
	}

	outcomes := make([]outcome, len(recipients))

	wg := sync.WaitGroup{}
	for i, rcpt := range recipients {
		wg.Add(1)
		i, rcpt := i, rcpt
		go func() {
			defer wg.Done()
			outcomes[i] = e.send(subject, body, rcpt)
		}()
	}
	wg.Wait()

	allFailed := slicez.EveryFunc(outcomes, func(o outcome) bool { return !o.completed })
	if allFailed {
		e.met.Dispatches.WithLabelValues("failed").Inc()
		return Result{Succeeded: false, Response: outcomes[0].errText}
	}
	e.met.Dispatches.WithLabelValues("ok").Inc()
	return Result{Succeeded: true, Response: "OK"}
}

func (e *Engine) send(subject string, body string, rcpt utskick.Client) outcome {
	logger := smtpLog{log: e.log.WithField("rcpt", rcpt.Email)}

	env := smtpx.Envelope{
		From:    e.cfg.From,
		To:      []string{rcpt.String()},
		Subject: subject,
		Body:    body,
	}

	err := e.sender.SendMail(logger, e.cfg.From, []string{rcpt.Email}, env)
	if err != nil {
		text := errorText(err)
		e.log.WithField("rcpt", rcpt.Email).WithError(err).Info("recipient send failed")
		e.met.RecipientSends.WithLabelValues("failed").Inc()
		return outcome{recipient: rcpt.Email, errText: text}
	}

	e.met.RecipientSends.WithLabelValues("ok").Inc()
	return outcome{recipient: rcpt.Email, completed: true}
}

// errorText collapses a send error into the human readable category the
// attempt record shows. Authentication, protocol and everything else
// read differently but are all equal to the aggregation rule.
func errorText(err error) string {
	var terr *textproto.Error
	if errors.As(err, &terr) {
		switch terr.Code {
		case 530, 534, 535:
			return fmt.Sprintf("could not authenticate against the mail server: %d %s", terr.Code, terr.Msg)
		}
		return fmt.Sprintf("mail server rejected the message: %d %s", terr.Code, terr.Msg)
	}
	return fmt.Sprintf("send failed: %v", err)
}

type smtpLog struct {
	log *logrus.Entry
}

func (l smtpLog) Logf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
