package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, 11*time.Hour, p.MinRest())
	assert.Equal(t, float64(60), p.MaxWeeklyHours)
	assert.Equal(t, time.UTC, p.Location())
	assert.Equal(t, model.SeverityHigh, p.Blocking())

	w, err := p.DayBounds("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), w.End)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := []byte("min_rest_hours: 10\nmax_weekly_hours: 48\ntimezone: Europe/Paris\noperating_day:\n  start: \"06:00\"\n  end: \"22:00\"\nblocking_severity: critical\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("SCHED_MAX_WEEKLY_HOURS", "50")
	t.Setenv("SCHED_OPERATING_DAY__END", "23:00")

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour, p.MinRest())
	assert.Equal(t, float64(50), p.MaxWeeklyHours)
	assert.Equal(t, "Europe/Paris", p.Location().String())
	assert.Equal(t, model.SeverityCritical, p.Blocking())
	assert.Equal(t, DefaultAlternativeWorkers, p.AlternativeWorkers)

	w, err := p.DayBounds("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 6, w.Start.Hour())
	assert.Equal(t, 23, w.End.Hour())
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("SCHED_MIN_REST_HOURS", "8")
	p, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, p.MinRest())
	assert.Equal(t, float64(DefaultMaxWeeklyHours), p.MaxWeeklyHours)
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad-tz.yaml":       "timezone: Mars/Olympus\n",
		"bad-severity.yaml": "blocking_severity: fatal\n",
		"bad-day.yaml":      "operating_day:\n  start: \"18:00\"\n  end: \"08:00\"\n",
		"bad-clock.yaml":    "operating_day:\n  start: \"6am\"\n",
		"negative.yaml":     "min_rest_hours: -1\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := Load(path)
		assert.Error(t, err, name)
	}

	_, err := Load(filepath.Join(dir, "policy.toml"))
	assert.Error(t, err)
}
