package pool

import (
	"context"
	"io"
	"math/rand"
	"net/smtp"
	"sync"
	"time"

	"github.com/modfin/utskick/smtpx"
	"github.com/modfin/utskick/tools"
)

const idleLife = 60 * time.Second
const reapInterval = 30 * time.Second

// Pool keeps a fixed set of reusable connections against the one relay
// the service delivers through. Connections are dialed lazily on first
// use and reaped again once they have sat idle for a while, so a
// newsletter with hundreds of recipients does not open hundreds of
// sessions and a quiet night does not hold any open at all.
func New(ctx context.Context, dialer smtpx.Dialer, addr string, auth smtp.Auth, concurrency int, localName string) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		addr:      addr,
		auth:      auth,
		localName: localName,
		dialer:    dialer,
	}
	for i := 0; i < concurrency; i++ {
		p.slots = append(p.slots, &slot{id: tools.RandStringRunes(8), pool: p})
	}
	go p.reaper(ctx)
	return p
}

type Pool struct {
	addr      string
	auth      smtp.Auth
	localName string
	dialer    smtpx.Dialer

	slots []*slot
}

func (p *Pool) SendMail(logger smtpx.Logger, from string, to []string, msg io.WriterTo) error {
	// Picking at random instead of round robin keeps this lock free.
	s := p.slots[rand.Intn(len(p.slots))]
	return s.sendMail(logger, from, to, msg)
}

func (p *Pool) reaper(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, s := range p.slots {
				s.close()
			}
			return
		case <-time.After(reapInterval):
		}

		now := time.Now()
		for _, s := range p.slots {
			s.mu.Lock()
			if s.conn != nil && now.Sub(s.lastUsed) > idleLife {
				_ = s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
		}
	}
}

type slot struct {
	id   string
	pool *Pool

	mu       sync.Mutex
	conn     smtpx.Connection
	lastUsed time.Time
}

func (s *slot) sendMail(logger smtpx.Logger, from string, to []string, msg io.WriterTo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.conn == nil {
		s.conn, err = s.pool.dialer(logger, s.pool.addr, s.pool.localName, s.pool.auth)
		if err != nil {
			return err
		}
	}

	s.conn.SetLogger(logger)
	defer s.conn.SetLogger(nil)

	err = s.conn.SendMail(from, to, msg)
	if err != nil {
		// The session may be poisoned, drop it and let the next send
		// dial fresh.
		_ = s.conn.Close()
		s.conn = nil
		return err
	}
	s.lastUsed = time.Now()
	return nil
}

func (s *slot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}
