package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

const (
	DefaultMinRestHours       = 11
	DefaultMaxWeeklyHours     = 60
	DefaultTimezone           = "UTC"
	DefaultDayStart           = "00:00"
	DefaultDayEnd             = "24:00"
	DefaultBlockingSeverity   = "high"
	DefaultAlternativeWorkers = 8
	DefaultAlternativeLimit   = 5
	endOfDayClock             = "24:00"
	minutesPerDay             = 24 * 60
)

type OperatingDay struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Policy is the runtime configuration every check receives. Weeks are ISO weeks
// (Monday 00:00) in Timezone.
type Policy struct {
	MinRestHours            float64      `json:"min_rest_hours"`
	MaxWeeklyHours          float64      `json:"max_weekly_hours"`
	Timezone                string       `json:"timezone"`
	OperatingDay            OperatingDay `json:"operating_day"`
	BlockingSeverity        string       `json:"blocking_severity"`
	AlternativeWorkers      int          `json:"alternative_workers"`
	DefaultAlternativeLimit int          `json:"default_alternative_limit"`

	loc         *time.Location
	blocking    model.Severity
	dayStartMin int
	dayEndMin   int
}

func Default() Policy {
	p := Policy{}
	p.SetDefaults()
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

// SetDefaults fills zero values. An explicit zero rest or weekly cap cannot be
// expressed in a file; use a negative weekly cap to disable that guard.
func (p *Policy) SetDefaults() {
	if p.MinRestHours == 0 {
		p.MinRestHours = DefaultMinRestHours
	}
	if p.MaxWeeklyHours == 0 {
		p.MaxWeeklyHours = DefaultMaxWeeklyHours
	}
	if strings.TrimSpace(p.Timezone) == "" {
		p.Timezone = DefaultTimezone
	}
	if strings.TrimSpace(p.OperatingDay.Start) == "" {
		p.OperatingDay.Start = DefaultDayStart
	}
	if strings.TrimSpace(p.OperatingDay.End) == "" {
		p.OperatingDay.End = DefaultDayEnd
	}
	if strings.TrimSpace(p.BlockingSeverity) == "" {
		p.BlockingSeverity = DefaultBlockingSeverity
	}
	if p.AlternativeWorkers == 0 {
		p.AlternativeWorkers = DefaultAlternativeWorkers
	}
	if p.DefaultAlternativeLimit == 0 {
		p.DefaultAlternativeLimit = DefaultAlternativeLimit
	}
}

// Validate checks the values and resolves the derived fields.
func (p *Policy) Validate() error {
	if p.MinRestHours < 0 {
		return fmt.Errorf("min_rest_hours must not be negative (got %v)", p.MinRestHours)
	}
	loc, err := time.LoadLocation(strings.TrimSpace(p.Timezone))
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	sev, err := model.ParseSeverity(p.BlockingSeverity)
	if err != nil {
		return fmt.Errorf("blocking_severity: %w", err)
	}
	start, err := interval.TimeToMinutes(strings.TrimSpace(p.OperatingDay.Start))
	if err != nil {
		return fmt.Errorf("operating_day.start: %w", err)
	}
	end := minutesPerDay
	if v := strings.TrimSpace(p.OperatingDay.End); v != endOfDayClock {
		end, err = interval.TimeToMinutes(v)
		if err != nil {
			return fmt.Errorf("operating_day.end: %w", err)
		}
	}
	if end <= start {
		return fmt.Errorf("operating_day.end must be after operating_day.start")
	}
	if p.AlternativeWorkers < 1 {
		return fmt.Errorf("alternative_workers must be positive (got %d)", p.AlternativeWorkers)
	}
	if p.DefaultAlternativeLimit < 1 {
		return fmt.Errorf("default_alternative_limit must be positive (got %d)", p.DefaultAlternativeLimit)
	}

	p.loc = loc
	p.blocking = sev
	p.dayStartMin = start
	p.dayEndMin = end
	return nil
}

func (p Policy) Location() *time.Location {
	if p.loc == nil {
		return time.UTC
	}
	return p.loc
}

func (p Policy) MinRest() time.Duration {
	return time.Duration(p.MinRestHours * float64(time.Hour))
}

func (p Policy) Blocking() model.Severity {
	if p.blocking == 0 {
		return model.SeverityHigh
	}
	return p.blocking
}

// DayBounds returns the operating window of a civil date in the policy location.
func (p Policy) DayBounds(date string) (interval.Window, error) {
	day, err := interval.DayStart(date, p.Location())
	if err != nil {
		return interval.Window{}, err
	}
	end := p.dayEndMin
	if end == 0 {
		end = minutesPerDay
	}
	// Wall-clock offsets keep DST days honest.
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, p.dayStartMin, 0, 0, p.Location())
	stop := time.Date(day.Year(), day.Month(), day.Day(), 0, end, 0, 0, p.Location())
	return interval.Window{Start: start, End: stop}, nil
}

// DateSpan returns the absolute window covering the inclusive civil date range,
// from midnight of startDate to midnight after endDate.
func (p Policy) DateSpan(startDate, endDate string) (interval.Window, error) {
	start, err := interval.DayStart(startDate, p.Location())
	if err != nil {
		return interval.Window{}, fmt.Errorf("start_date: %w", err)
	}
	last, err := interval.DayStart(endDate, p.Location())
	if err != nil {
		return interval.Window{}, fmt.Errorf("end_date: %w", err)
	}
	if last.Before(start) {
		return interval.Window{}, fmt.Errorf("end_date %s is before start_date %s", endDate, startDate)
	}
	return interval.Window{Start: start, End: last.AddDate(0, 0, 1)}, nil
}

type Provider interface {
	Policy(ctx context.Context) (Policy, error)
}

type staticProvider struct {
	policy Policy
}

func NewStaticProvider(p Policy) Provider {
	return &staticProvider{policy: p}
}

func (s *staticProvider) Policy(_ context.Context) (Policy, error) {
	return s.policy, nil
}
