package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ConflictOverlappingShift   = "overlapping_shift"
	ConflictInsufficientBreak  = "insufficient_break"
	ConflictMaxHoursExceeded   = "max_hours_exceeded"
	ConflictTimeOff            = "time_off_conflict"
	ConflictShiftDuringTimeOff = "shift_during_time_off"
	ConflictDriverUnavailable  = "driver_unavailable"
)

// Severity is ordinal: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func ParseSeverity(raw string) (Severity, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for sev, name := range severityNames {
		if name == v {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", raw)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Conflict is a finding, not an error. ShiftID and TimeOffID point at the
// existing record the candidate collides with, when there is one.
type Conflict struct {
	Type            string   `json:"type"`
	Severity        Severity `json:"severity"`
	Description     string   `json:"description"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	ShiftID         string   `json:"shift_id,omitempty"`
	TimeOffID       string   `json:"time_off_id,omitempty"`
}

type ConflictReport struct {
	HasConflicts bool       `json:"has_conflicts"`
	Conflicts    []Conflict `json:"conflicts"`
}

func NewConflictReport(conflicts []Conflict) ConflictReport {
	if conflicts == nil {
		conflicts = []Conflict{}
	}
	return ConflictReport{HasConflicts: len(conflicts) > 0, Conflicts: conflicts}
}

// MaxSeverity returns the highest severity in the report, or 0 when empty.
func (r ConflictReport) MaxSeverity() Severity {
	var max Severity
	for _, c := range r.Conflicts {
		if c.Severity > max {
			max = c.Severity
		}
	}
	return max
}

// Blocking returns the conflicts at or above threshold.
func (r ConflictReport) Blocking(threshold Severity) []Conflict {
	var out []Conflict
	for _, c := range r.Conflicts {
		if c.Severity >= threshold {
			out = append(out, c)
		}
	}
	return out
}
