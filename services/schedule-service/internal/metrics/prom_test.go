package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

func TestRecorder_Checks(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewRecorder(reg)
	require.NoError(t, err)

	rec.ObserveCheck("overlap", 3*time.Millisecond, nil)
	rec.ObserveCheck("overlap", 2*time.Millisecond, errors.New("boom"))
	rec.ObserveConflicts([]model.Conflict{
		{Type: model.ConflictOverlappingShift, Severity: model.SeverityHigh},
		{Type: model.ConflictOverlappingShift, Severity: model.SeverityHigh},
		{Type: model.ConflictMaxHoursExceeded, Severity: model.SeverityMedium},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.checks.WithLabelValues("overlap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.failures.WithLabelValues("overlap")))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.duration))

	expected := `
# HELP schedule_conflicts_total Total number of conflicts reported
# TYPE schedule_conflicts_total counter
schedule_conflicts_total{severity="high",type="overlapping_shift"} 2
schedule_conflicts_total{severity="medium",type="max_hours_exceeded"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(rec.conflicts, strings.NewReader(expected)))
}

func TestRecorder_Commits(t *testing.T) {
	rec, err := NewRecorder(prometheus.NewRegistry())
	require.NoError(t, err)

	rec.ObserveCommit("create", "committed")
	rec.ObserveCommit("create", "blocked")
	rec.ObserveCommit("create", "committed")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.commits.WithLabelValues("create", "committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.commits.WithLabelValues("create", "blocked")))
}

func TestNewRecorder_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	require.NoError(t, err)
	second, err := NewRecorder(reg)
	require.NoError(t, err)

	first.ObserveCommit("cancel", "committed")
	assert.Equal(t, 1.0, testutil.ToFloat64(second.commits.WithLabelValues("cancel", "committed")))
}
