package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dispatch"
	"github.com/modfin/utskick/internal/metrics"
	"github.com/modfin/utskick/tools"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const JobEveryMinute = "job-every-minute"
const JobHousekeeping = "delete-old-job-executions"

// Store is the slice of the dao the scheduler drives.
type Store interface {
	GetDueNewsletters(now time.Time) ([]utskick.Newsletter, error)
	CompleteDispatch(n utskick.Newsletter, attempt utskick.Attempt) error
	AddJobLogEntry(job string, startedAt time.Time, log string) error
	PurgeJobLog(olderThan time.Time) (int64, error)
}

type Dispatcher interface {
	Dispatch(subject string, body string, recipients []utskick.Client) dispatch.Result
}

type Config struct {
	// LogRetention is how far back the job execution log is kept by
	// the weekly housekeeping run.
	LogRetention time.Duration
}

type Scheduler struct {
	cfg    Config
	db     Store
	engine Dispatcher
	log    *logrus.Logger
	met    *metrics.Metrics

	// one lease per job id, a tick that finds its own lease taken is
	// skipped outright. The two jobs hold independent leases and may
	// overlap each other, never themselves.
	flights *tools.SingleFlight

	cron *cron.Cron

	ostart sync.Once
	ostop  sync.Once

	now func() time.Time
}

func New(cfg Config, db Store, engine Dispatcher, lc *tools.Logger, met *metrics.Metrics) *Scheduler {
	if cfg.LogRetention <= 0 {
		cfg.LogRetention = 7 * 24 * time.Hour
	}
	return &Scheduler{
		cfg:     cfg,
		db:      db,
		engine:  engine,
		log:     lc.New("scheduler"),
		met:     met,
		flights: tools.NewSingleFlight(),
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start begins ticking in the background. The leader flag is handed in
// by whoever deploys us, in a multi worker setup only one process gets
// it and the rest serve traffic without a scheduler.
func (s *Scheduler) Start(leader bool) {
	if !leader {
		s.log.Info("not the leader, scheduler stays off")
		return
	}
	s.ostart.Do(func() {
		// Minute job drives dispatching, the Monday midnight job
		// prunes the execution log.
		_, _ = s.cron.AddFunc("* * * * *", s.runJob(JobEveryMinute, s.tick))
		_, _ = s.cron.AddFunc("0 0 * * 1", s.runJob(JobHousekeeping, s.housekeeping))
		s.cron.Start()
		s.log.Info("scheduler started")
	})
}

// Run blocks until ctx is done and then drains, for a dedicated
// scheduler process.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(true)
	<-ctx.Done()

	drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(drain)
}

// Stop halts ticking and waits for any in flight processing to finish.
// A tick is never cut off mid dispatch, ctx only bounds how long we are
// prepared to wait for it.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.ostop.Do(func() {
		drained := s.cron.Stop()
		select {
		case <-drained.Done():
			s.log.Info("scheduler has been shut down")
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// runJob wraps a job body with the single flight guard and the
// execution log entry.
func (s *Scheduler) runJob(id string, fn func(now time.Time) string) func() {
	return func() {
		if !s.flights.TryAcquire(id) {
			s.log.WithField("job", id).Warn("previous run still in flight, skipping")
			s.met.TicksSkipped.Inc()
			return
		}
		defer s.flights.Release(id)

		started := utskick.AtMinute(s.now())
		s.met.JobRuns.WithLabelValues(id).Inc()

		outcome := fn(started)

		err := s.db.AddJobLogEntry(id, started, outcome)
		if err != nil {
			s.log.WithError(err).WithField("job", id).Error("could not write job log entry")
		}
	}
}

// tick selects everything due this minute and processes each newsletter
// on its own. One newsletter failing does not touch the rest, and a
// newsletter whose writes failed has not advanced and will simply come
// up due again next minute.
func (s *Scheduler) tick(now time.Time) string {
	due, err := s.db.GetDueNewsletters(now)
	if err != nil {
		s.log.WithError(err).Error("could not select due newsletters")
		return fmt.Sprintf("selection failed: %v", err)
	}
	if len(due) == 0 {
		return "nothing due"
	}

	s.log.WithField("due", len(due)).Info("processing due newsletters")

	var completed int
	for _, n := range due {
		err = s.process(n, now)
		if err != nil {
			s.log.WithError(err).WithField("newsletter", n.Id).Error("could not process newsletter")
			continue
		}
		completed++
	}
	return fmt.Sprintf("dispatched %d of %d due newsletters", completed, len(due))
}

func (s *Scheduler) process(n utskick.Newsletter, now time.Time) error {
	var subject, body string
	if n.Message != nil {
		subject = n.Message.Subject
		body = n.Message.Body
	}

	sentAt := now
	res := s.engine.Dispatch(subject, body, n.Recipients)

	n.NextFireAt = utskick.NextFire(n.FirstSentAt, n.Period, now)
	n.Status = utskick.ResolveStatus(n.FirstSentAt, n.LastSentAt, now)

	id := n.Id
	attempt := utskick.Attempt{
		Id:             uuid.NewString(),
		NewsletterId:   &id,
		SentAt:         sentAt,
		Succeeded:      res.Succeeded,
		ServerResponse: res.Response,
	}

	err := s.db.CompleteDispatch(n, attempt)
	if err != nil {
		return fmt.Errorf("could not persist dispatch outcome, %w", err)
	}

	s.log.WithField("newsletter", n.Id).
		WithField("succeeded", res.Succeeded).
		WithField("next_fire_at", n.NextFireAt).
		Info("newsletter dispatched")
	return nil
}

func (s *Scheduler) housekeeping(now time.Time) string {
	cutoff := now.Add(-s.cfg.LogRetention)
	purged, err := s.db.PurgeJobLog(cutoff)
	if err != nil {
		s.log.WithError(err).Error("could not purge job log")
		return fmt.Sprintf("purge failed: %v", err)
	}
	s.log.WithField("purged", purged).Info("purged old job log entries")
	return fmt.Sprintf("purged %d entries older than %s", purged, cutoff.Format(time.RFC3339))
}
