package handlers

import (
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/scheduling"
)

type createShiftRequest struct {
	DriverID string `json:"driver_id"`
	Status   string `json:"status"`
	Override bool   `json:"override"`
	windowFields
}

func (h *ScheduleHandler) CreateShift(w http.ResponseWriter, r *http.Request) {
	var req createShiftRequest
	if !decodePost(w, r, &req) {
		return
	}
	win, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.scheduler.CreateShift(r.Context(), scheduling.CreateShiftRequest{
		DriverID:  strings.TrimSpace(req.DriverID),
		StartTime: win.Start,
		EndTime:   win.End,
		Status:    req.Status,
		Override:  req.Override,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type rescheduleRequest struct {
	ShiftID  string `json:"shift_id"`
	Override bool   `json:"override"`
	windowFields
}

func (h *ScheduleHandler) RescheduleShift(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if !decodePost(w, r, &req) {
		return
	}
	shiftID := strings.TrimSpace(req.ShiftID)
	if shiftID == "" {
		http.Error(w, "shift_id is required", http.StatusBadRequest)
		return
	}
	win, err := req.window()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.scheduler.RescheduleShift(r.Context(), scheduling.RescheduleRequest{
		ShiftID:   shiftID,
		StartTime: win.Start,
		EndTime:   win.End,
		Override:  req.Override,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type swapRequest struct {
	ShiftID    string `json:"shift_id"`
	ToDriverID string `json:"to_driver_id"`
	Override   bool   `json:"override"`
}

func (h *ScheduleHandler) SwapShift(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !decodePost(w, r, &req) {
		return
	}
	shiftID := strings.TrimSpace(req.ShiftID)
	if shiftID == "" {
		http.Error(w, "shift_id is required", http.StatusBadRequest)
		return
	}
	res, err := h.scheduler.SwapShift(r.Context(), scheduling.SwapRequest{
		ShiftID:    shiftID,
		ToDriverID: strings.TrimSpace(req.ToDriverID),
		Override:   req.Override,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelShiftRequest struct {
	ShiftID string `json:"shift_id"`
}

func (h *ScheduleHandler) CancelShift(w http.ResponseWriter, r *http.Request) {
	var req cancelShiftRequest
	if !decodePost(w, r, &req) {
		return
	}
	shiftID := strings.TrimSpace(req.ShiftID)
	if shiftID == "" {
		http.Error(w, "shift_id is required", http.StatusBadRequest)
		return
	}
	shift, err := h.scheduler.CancelShift(r.Context(), shiftID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, shift)
}

type timeOffRequest struct {
	DriverID  string `json:"driver_id"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Category  string `json:"category"`
	Reason    string `json:"reason"`
}

func (h *ScheduleHandler) RequestTimeOff(w http.ResponseWriter, r *http.Request) {
	var req timeOffRequest
	if !decodePost(w, r, &req) {
		return
	}
	res, err := h.scheduler.RequestTimeOff(r.Context(), scheduling.TimeOffRequest{
		DriverID:  strings.TrimSpace(req.DriverID),
		StartDate: strings.TrimSpace(req.StartDate),
		EndDate:   strings.TrimSpace(req.EndDate),
		Category:  req.Category,
		Reason:    req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type decisionRequest struct {
	TimeOffID string `json:"time_off_id"`
	DecidedBy string `json:"decided_by"`
}

func (h *ScheduleHandler) decodeDecision(w http.ResponseWriter, r *http.Request) (scheduling.Decision, bool) {
	var req decisionRequest
	if !decodePost(w, r, &req) {
		return scheduling.Decision{}, false
	}
	id := strings.TrimSpace(req.TimeOffID)
	if id == "" {
		http.Error(w, "time_off_id is required", http.StatusBadRequest)
		return scheduling.Decision{}, false
	}
	return scheduling.Decision{TimeOffID: id, DecidedBy: strings.TrimSpace(req.DecidedBy)}, true
}

func (h *ScheduleHandler) ApproveTimeOff(w http.ResponseWriter, r *http.Request) {
	d, ok := h.decodeDecision(w, r)
	if !ok {
		return
	}
	res, err := h.scheduler.ApproveTimeOff(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ScheduleHandler) DenyTimeOff(w http.ResponseWriter, r *http.Request) {
	d, ok := h.decodeDecision(w, r)
	if !ok {
		return
	}
	t, err := h.scheduler.DenyTimeOff(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *ScheduleHandler) CancelTimeOff(w http.ResponseWriter, r *http.Request) {
	d, ok := h.decodeDecision(w, r)
	if !ok {
		return
	}
	t, err := h.scheduler.CancelTimeOff(r.Context(), d)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
