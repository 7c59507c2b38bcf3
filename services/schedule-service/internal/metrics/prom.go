package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

// Recorder records conflict checks and schedule commits in Prometheus metrics.
type Recorder struct {
	checks    *prometheus.CounterVec
	failures  *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	commits   *prometheus.CounterVec
}

// NewRecorder registers the schedule metrics on reg, or on the default
// registerer when reg is nil. Collectors that are already registered are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_checks_total",
		Help: "Total number of conflict checks run",
	}, []string{"check"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_check_errors_total",
		Help: "Total number of conflict checks that failed",
	}, []string{"check"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_conflicts_total",
		Help: "Total number of conflicts reported",
	}, []string{"type", "severity"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schedule_check_duration_seconds",
		Help:    "Conflict check latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"check"})
	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "schedule_commits_total",
		Help: "Total number of schedule writes by outcome",
	}, []string{"operation", "outcome"})

	var err error
	if checks, err = register(reg, checks); err != nil {
		return nil, err
	}
	if failures, err = register(reg, failures); err != nil {
		return nil, err
	}
	if conflicts, err = register(reg, conflicts); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if commits, err = register(reg, commits); err != nil {
		return nil, err
	}
	return &Recorder{
		checks:    checks,
		failures:  failures,
		conflicts: conflicts,
		duration:  duration,
		commits:   commits,
	}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Recorder) ObserveCheck(check string, elapsed time.Duration, err error) {
	r.checks.WithLabelValues(check).Inc()
	r.duration.WithLabelValues(check).Observe(elapsed.Seconds())
	if err != nil {
		r.failures.WithLabelValues(check).Inc()
	}
}

func (r *Recorder) ObserveConflicts(conflicts []model.Conflict) {
	for _, c := range conflicts {
		r.conflicts.WithLabelValues(c.Type, c.Severity.String()).Inc()
	}
}

// ObserveCommit counts a write. outcome is one of committed, blocked,
// override_required, rejected or failed.
func (r *Recorder) ObserveCommit(operation, outcome string) {
	r.commits.WithLabelValues(operation, outcome).Inc()
}
