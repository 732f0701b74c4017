package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors
type Metrics struct {
	RunsStarted      prometheus.Counter
	RunsTerminal     *prometheus.CounterVec
	EventsAppended   *prometheus.CounterVec
	Verdicts         *prometheus.CounterVec
	ReactPatches     prometheus.Counter
	ConfirmDecisions *prometheus.CounterVec
	StreamDuration   prometheus.Histogram
}

// New creates and registers the engine collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "runs_started_total",
			Help:      "Runs claimed for execution",
		}),
		RunsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "runs_terminal_total",
			Help:      "Runs reaching a terminal event, by terminal type",
		}, []string{"type"}),
		EventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "run_events_appended_total",
			Help:      "Journal appends, by channel",
		}, []string{"channel"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "acceptance_verdicts_total",
			Help:      "Acceptance verdicts, by kind",
		}, []string{"verdict"}),
		ReactPatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "react_patches_applied_total",
			Help:      "Config-only repair patches applied",
		}),
		ConfirmDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runloop",
			Name:      "confirm_decisions_total",
			Help:      "Side-effect confirmation outcomes",
		}, []string{"decision"}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runloop",
			Name:      "run_stream_duration_seconds",
			Help:      "Wall time of a run stream from claim to terminal",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsTerminal,
		m.EventsAppended,
		m.Verdicts,
		m.ReactPatches,
		m.ConfirmDecisions,
		m.StreamDuration,
	)
	return m
}

// NewUnregistered creates collectors without registering them; used by tests
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
