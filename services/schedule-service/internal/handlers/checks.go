package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/availability"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
)

type checkRequest struct {
	DriverID       string `json:"driver_id"`
	ExcludeShiftID string `json:"exclude_shift_id"`
	windowFields
	// Optional overrides for the standalone rest and weekly checks; the
	// policy value applies when absent.
	MinRestHours   *float64 `json:"min_rest_hours,omitempty"`
	MaxWeeklyHours *float64 `json:"max_weekly_hours,omitempty"`
}

func (h *ScheduleHandler) decodeCheck(w http.ResponseWriter, r *http.Request) (checkRequest, conflict.Candidate, bool) {
	var req checkRequest
	if !decodePost(w, r, &req) {
		return req, conflict.Candidate{}, false
	}
	win, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return req, conflict.Candidate{}, false
	}
	return req, conflict.Candidate{
		DriverID:       strings.TrimSpace(req.DriverID),
		Window:         win,
		ExcludeShiftID: strings.TrimSpace(req.ExcludeShiftID),
	}, true
}

func (h *ScheduleHandler) CheckAll(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	report, err := h.engine.CheckAllConflicts(r.Context(), c)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *ScheduleHandler) CheckOverlaps(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	h.respondConflicts(w, r)(h.engine.CheckOverlappingShifts(r.Context(), c.DriverID, c.Window, c.ExcludeShiftID))
}

func (h *ScheduleHandler) CheckBreaks(w http.ResponseWriter, r *http.Request) {
	req, c, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	p, err := h.engine.Policy(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	minRest := p.MinRest()
	if req.MinRestHours != nil {
		minRest = time.Duration(*req.MinRestHours * float64(time.Hour))
	}
	h.respondConflicts(w, r)(h.engine.CheckBreakTimeConflicts(r.Context(), c.DriverID, c.Window, minRest, c.ExcludeShiftID))
}

func (h *ScheduleHandler) CheckWeeklyHours(w http.ResponseWriter, r *http.Request) {
	req, c, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	p, err := h.engine.Policy(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	maxHours := p.MaxWeeklyHours
	if req.MaxWeeklyHours != nil {
		maxHours = *req.MaxWeeklyHours
	}
	h.respondConflicts(w, r)(h.engine.CheckMaxHoursPerWeek(r.Context(), c.DriverID, c.Window, maxHours, c.ExcludeShiftID))
}

func (h *ScheduleHandler) CheckTimeOff(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.decodeCheck(w, r)
	if !ok {
		return
	}
	h.respondConflicts(w, r)(h.engine.CheckTimeOffConflicts(r.Context(), c.DriverID, c.Window))
}

func (h *ScheduleHandler) respondConflicts(w http.ResponseWriter, r *http.Request) func([]model.Conflict, error) {
	return func(conflicts []model.Conflict, err error) {
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, conflicts)
	}
}

type alternativesRequest struct {
	DriverID string `json:"driver_id"`
	Limit    int    `json:"limit"`
	windowFields
}

func (h *ScheduleHandler) Alternatives(w http.ResponseWriter, r *http.Request) {
	var req alternativesRequest
	if !decodePost(w, r, &req) {
		return
	}
	win, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ranked, err := h.engine.FindAlternativeDrivers(r.Context(), strings.TrimSpace(req.DriverID), win, req.Limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

// Slots returns the open windows for a driver's day. With step_minutes the
// windows are cut into fixed-length bookable slots instead.
func (h *ScheduleHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	driverID := strings.TrimSpace(q.Get("driver_id"))
	date := strings.TrimSpace(q.Get("date"))
	if driverID == "" || date == "" {
		http.Error(w, "driver_id and date are required", http.StatusBadRequest)
		return
	}
	durationMins, err := queryInt(q.Get("duration_minutes"), 60)
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: duration_minutes: %w", conflict.ErrInvalidInput, err))
		return
	}
	stepMins, err := queryInt(q.Get("step_minutes"), 0)
	if err != nil || stepMins < 0 {
		h.fail(w, r, fmt.Errorf("%w: invalid step_minutes", conflict.ErrInvalidInput))
		return
	}

	free, err := h.slots.GetAvailableTimeSlots(r.Context(), driverID, date, durationMins)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if stepMins == 0 {
		writeJSON(w, http.StatusOK, free)
		return
	}

	duration := time.Duration(durationMins) * time.Minute
	starts := availability.SlotStarts(free, duration, time.Duration(stepMins)*time.Minute)
	out := make([]model.AvailableSlot, 0, len(starts))
	for _, s := range starts {
		out = append(out, model.AvailableSlot{StartTime: s, EndTime: s.Add(duration)})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
