package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registered once for the process, the daemon wires these through to
// the dispatcher and the scheduler.
type Metrics struct {
	RecipientSends *prometheus.CounterVec
	Dispatches     *prometheus.CounterVec
	TicksSkipped   prometheus.Counter
	JobRuns        *prometheus.CounterVec
}

func New() *Metrics {
	return with(promauto.With(prometheus.DefaultRegisterer))
}

// NewFor registers on a private registry, for tests.
func NewFor(reg *prometheus.Registry) *Metrics {
	return with(promauto.With(reg))
}

func with(factory promauto.Factory) *Metrics {
	return &Metrics{
		RecipientSends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "utskick_recipient_sends_total",
			Help: "Individual recipient sends by outcome.",
		}, []string{"outcome"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "utskick_dispatches_total",
			Help: "Newsletter dispatches by aggregate outcome.",
		}, []string{"outcome"}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "utskick_ticks_skipped_total",
			Help: "Scheduler ticks skipped because the previous one was still running.",
		}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "utskick_job_runs_total",
			Help: "Scheduler job executions by job id.",
		}, []string{"job"}),
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
