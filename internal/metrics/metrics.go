// Package metrics exposes the coordinator counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tallyhall"

// Collectors owns a private registry so tests and multiple instances never
// collide on the default one.
type Collectors struct {
	registry *prometheus.Registry

	votes          *prometheus.CounterVec
	anchors        *prometheus.CounterVec
	anchorAttempts prometheus.Histogram
	reconciliation *prometheus.CounterVec
	stepHalts      *prometheus.CounterVec
	journalErrors  *prometheus.CounterVec
}

func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_processed_total",
			Help:      "Processed coordinator operations by action.",
		}, []string{"action"}),
		anchors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_outcomes_total",
			Help:      "Anchoring outcomes by status.",
		}, []string{"status"}),
		anchorAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "anchor_attempts",
			Help:      "Attempts needed for a committed anchoring write.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		reconciliation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_checks_total",
			Help:      "Reconciliation checks by result.",
		}, []string{"result"}),
		stepHalts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_ordering_halts_total",
			Help:      "Step ordering violations by scope.",
		}, []string{"scope"}),
		journalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_errors_total",
			Help:      "Failed journal writes by operation.",
		}, []string{"op"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.votes,
		c.anchors,
		c.anchorAttempts,
		c.reconciliation,
		c.stepHalts,
		c.journalErrors,
	)
	return c
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collectors) VoteProcessed(action string) {
	c.votes.WithLabelValues(action).Inc()
}

func (c *Collectors) AnchorOutcome(status string, attempts int) {
	c.anchors.WithLabelValues(status).Inc()
	if attempts > 0 {
		c.anchorAttempts.Observe(float64(attempts))
	}
}

// ReconciliationChecked is labelled by result only; topic ids are unbounded.
func (c *Collectors) ReconciliationChecked(_ string, valid bool) {
	result := "valid"
	if !valid {
		result = "mismatch"
	}
	c.reconciliation.WithLabelValues(result).Inc()
}

func (c *Collectors) StepOrderingHalt(scope string) {
	c.stepHalts.WithLabelValues(scope).Inc()
}

func (c *Collectors) JournalError(op string) {
	c.journalErrors.WithLabelValues(op).Inc()
}
