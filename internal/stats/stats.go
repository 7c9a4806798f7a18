package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

// Counts is the slice of the dao the stats service needs.
type Counts interface {
	CountNewsletters() (int, error)
	CountLaunched() (int, error)
	CountUniqueRecipients() (int, error)
}

// Service serves the landing page counters. Staleness up to the ttl is
// fine, these numbers are decoration, so the cache is a plain
// timestamped value with manual invalidation on writes. A ttl of zero
// turns the cache off and every read hits the database.
type Service struct {
	db  Counts
	ttl time.Duration
	log *logrus.Logger

	mu        sync.Mutex
	cached    *utskick.Stats
	fetchedAt time.Time

	ostop  sync.Once
	cancel func()
}

func New(db Counts, ttl time.Duration, lc *tools.Logger) *Service {
	s := &Service{
		db:  db,
		ttl: ttl,
		log: lc.New("stats"),
	}

	changed, cancelListen := signals.Listen(signals.NewsletterChanged)
	done := make(chan struct{})
	s.cancel = func() {
		cancelListen()
		close(done)
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-changed:
				s.Invalidate()
			}
		}
	}()

	return s
}

func (s *Service) Get() (utskick.Stats, error) {
	if s.ttl <= 0 {
		return s.fetch()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		return *s.cached, nil
	}

	fresh, err := s.fetch()
	if err != nil {
		return utskick.Stats{}, err
	}
	s.cached = &fresh
	s.fetchedAt = time.Now()
	return fresh, nil
}

func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}

func (s *Service) fetch() (utskick.Stats, error) {
	total, err := s.db.CountNewsletters()
	if err != nil {
		return utskick.Stats{}, fmt.Errorf("could not count newsletters, %w", err)
	}
	launched, err := s.db.CountLaunched()
	if err != nil {
		return utskick.Stats{}, fmt.Errorf("could not count launched newsletters, %w", err)
	}
	unique, err := s.db.CountUniqueRecipients()
	if err != nil {
		return utskick.Stats{}, fmt.Errorf("could not count unique recipients, %w", err)
	}
	return utskick.Stats{Newsletters: total, Launched: launched, UniqueRecipients: unique}, nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.ostop.Do(s.cancel)
	return nil
}
