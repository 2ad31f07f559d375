// Package metrics provides Prometheus collectors for the workflow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "buildline"

// Outcome label values.
const (
	OutcomeApplied = "applied"
	OutcomeRefused = "refused"
	OutcomeError   = "error"
)

type Metrics struct {
	// Transitions counts state-machine calls.
	// Labels: entity (stage, item, defect), transition, outcome (applied, refused, error)
	Transitions *prometheus.CounterVec
	// Recomputes counts work item recomputations along cascades.
	Recomputes prometheus.Counter
	// ProjectRecalculations counts project progress reconciliations by chosen source.
	ProjectRecalculations *prometheus.CounterVec
	// DefectsAutoCreated counts defects raised by rejections.
	DefectsAutoCreated prometheus.Counter
	// DefectHookFailures counts swallowed failures of the auto-defect routine.
	DefectHookFailures prometheus.Counter
	// NotifyFailures counts failed best-effort notifications. Labels: sink
	NotifyFailures *prometheus.CounterVec
	// HTTPRequests counts API requests. Labels: method, route, status
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "State transition attempts by entity, transition and outcome",
		}, []string{"entity", "transition", "outcome"}),
		Recomputes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "recomputes_total",
			Help:      "Work item progress recomputations",
		}),
		ProjectRecalculations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "project_recalculations_total",
			Help:      "Project progress reconciliations by source",
		}, []string{"source"}),
		DefectsAutoCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defects",
			Name:      "auto_created_total",
			Help:      "Defects created automatically from rejections",
		}),
		DefectHookFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "defects",
			Name:      "hook_failures_total",
			Help:      "Failures of automatic defect creation that were rolled back",
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Failed notifications by sink",
		}, []string{"sink"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by method, route and status",
		}, []string{"method", "route", "status"}),
	}
}

// RecordTransition records the outcome of a guarded transition.
func (m *Metrics) RecordTransition(entity, transition string, applied bool, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeApplied
	switch {
	case err != nil:
		outcome = OutcomeError
	case !applied:
		outcome = OutcomeRefused
	}
	m.Transitions.WithLabelValues(entity, transition, outcome).Inc()
}
