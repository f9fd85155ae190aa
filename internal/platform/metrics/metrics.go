package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	debitsTotal         *prometheus.CounterVec
	debitRetriesTotal   prometheus.Counter
	creditsTotal        *prometheus.CounterVec
	pinChecksTotal      *prometheus.CounterVec
	lockoutActivations  prometheus.Counter
	codesIssuedTotal    prometheus.Counter
	codeConfirmsTotal   *prometheus.CounterVec
	sweepRunsTotal      *prometheus.CounterVec
	sweepFailedTotal    prometheus.Counter
	sweepLastRunUnix    prometheus.Gauge
	eventsDroppedTotal  prometheus.Counter
	eventsNotifiedTotal prometheus.Counter
}

// New registers the corebank metric set on reg. Pass a fresh
// prometheus.NewRegistry() in tests; nil falls back to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		debitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "ledger",
				Name:      "debits_total",
				Help:      "Total debit attempts partitioned by result.",
			},
			[]string{"result"},
		),
		debitRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "ledger",
				Name:      "debit_retries_total",
				Help:      "Total conditional-write retries during debits.",
			},
		),
		creditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Total credit attempts partitioned by result.",
			},
			[]string{"result"},
		),
		pinChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "pinauth",
				Name:      "verifications_total",
				Help:      "Total PIN verification attempts by result.",
			},
			[]string{"result"},
		),
		lockoutActivations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "pinauth",
				Name:      "lockout_activations_total",
				Help:      "Total cascade lockout activations.",
			},
		),
		codesIssuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "payment",
				Name:      "codes_issued_total",
				Help:      "Total one-time codes issued, including resends.",
			},
		),
		codeConfirmsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "payment",
				Name:      "confirms_total",
				Help:      "Total confirmation attempts by result.",
			},
			[]string{"result"},
		),
		sweepRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "payment",
				Name:      "sweep_runs_total",
				Help:      "Total pending-transaction sweep runs by result.",
			},
			[]string{"result"},
		),
		sweepFailedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "payment",
				Name:      "sweep_failed_transactions_total",
				Help:      "Total pending transactions marked failed by the sweep.",
			},
		),
		sweepLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "corebank",
				Subsystem: "payment",
				Name:      "sweep_last_run_unix",
				Help:      "Unix time of the most recent sweep run.",
			},
		),
		eventsDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "txlog",
				Name:      "events_dropped_total",
				Help:      "Total ledger events that failed to reach the sink.",
			},
		),
		eventsNotifiedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "corebank",
				Subsystem: "txlog",
				Name:      "events_notified_total",
				Help:      "Total ledger events delivered to the sink.",
			},
		),
	}
}

func (m *Metrics) ObserveDebit(result string) {
	if m == nil {
		return
	}
	m.debitsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDebitRetry() {
	if m == nil {
		return
	}
	m.debitRetriesTotal.Inc()
}

func (m *Metrics) ObserveCredit(result string) {
	if m == nil {
		return
	}
	m.creditsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePINCheck(result string) {
	if m == nil {
		return
	}
	m.pinChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLockoutActivation() {
	if m == nil {
		return
	}
	m.lockoutActivations.Inc()
}

func (m *Metrics) ObserveCodeIssued() {
	if m == nil {
		return
	}
	m.codesIssuedTotal.Inc()
}

func (m *Metrics) ObserveConfirm(result string) {
	if m == nil {
		return
	}
	m.codeConfirmsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSweep(failed int, err error) {
	if m == nil {
		return
	}
	m.sweepLastRunUnix.Set(float64(time.Now().UTC().Unix()))
	if err != nil {
		m.sweepRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.sweepRunsTotal.WithLabelValues("success").Inc()
	if failed > 0 {
		m.sweepFailedTotal.Add(float64(failed))
	}
}

func (m *Metrics) ObserveEventNotified() {
	if m == nil {
		return
	}
	m.eventsNotifiedTotal.Inc()
}

func (m *Metrics) ObserveEventDropped() {
	if m == nil {
		return
	}
	m.eventsDroppedTotal.Inc()
}
