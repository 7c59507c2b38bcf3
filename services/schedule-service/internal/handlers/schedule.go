package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/driverduty/libs/httpx"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/availability"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/conflict"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/interval"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/messages"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/model"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/scheduling"
	"github.com/md-rashed-zaman/driverduty/services/schedule-service/internal/storage"
)

type ScheduleHandler struct {
	engine    *conflict.Engine
	slots     *availability.Calculator
	scheduler *scheduling.Service
	logger    *slog.Logger
}

func NewScheduleHandler(engine *conflict.Engine, slots *availability.Calculator, scheduler *scheduling.Service, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		engine:    engine,
		slots:     slots,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Register mounts every schedule route on mux.
func (h *ScheduleHandler) Register(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/api/v1/conflicts/check":        h.CheckAll,
		"/api/v1/conflicts/overlaps":     h.CheckOverlaps,
		"/api/v1/conflicts/breaks":       h.CheckBreaks,
		"/api/v1/conflicts/weekly-hours": h.CheckWeeklyHours,
		"/api/v1/conflicts/time-off":     h.CheckTimeOff,
		"/api/v1/alternatives":           h.Alternatives,
		"/api/v1/slots":                  h.Slots,
		"/api/v1/shifts":                 h.CreateShift,
		"/api/v1/shifts/reschedule":      h.RescheduleShift,
		"/api/v1/shifts/swap":            h.SwapShift,
		"/api/v1/shifts/cancel":          h.CancelShift,
		"/api/v1/time-off":               h.RequestTimeOff,
		"/api/v1/time-off/approve":       h.ApproveTimeOff,
		"/api/v1/time-off/deny":          h.DenyTimeOff,
		"/api/v1/time-off/cancel":        h.CancelTimeOff,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, withLocale(fn))
	}
}

// withLocale carries Accept-Language into the request context so conflict
// descriptions come back in the caller's language.
func withLocale(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if lang := strings.TrimSpace(r.Header.Get("Accept-Language")); lang != "" {
			r = r.WithContext(messages.WithLocale(r.Context(), lang))
		}
		next.ServeHTTP(w, r)
	})
}

type conflictResponse struct {
	Error  string               `json:"error"`
	Report model.ConflictReport `json:"report"`
}

// fail maps service errors to status codes. Decision errors carry their
// report in the body so callers can show what blocked the write.
func (h *ScheduleHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if report, ok := scheduling.ReportOf(err); ok {
		writeJSON(w, http.StatusConflict, conflictResponse{Error: err.Error(), Report: report})
		return
	}

	var parseErr *interval.ParseError
	switch {
	case errors.Is(err, conflict.ErrInvalidInput), errors.As(err, &parseErr), errors.Is(err, interval.ErrInvalidWindow):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case storage.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrOverlap),
		errors.Is(err, storage.ErrTimeOffApproved),
		errors.Is(err, storage.ErrShiftsInTimeOff),
		errors.Is(err, storage.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrUnavailable):
		httpx.LoggerFrom(r.Context(), h.logger).Error("schedule store unavailable", "path", r.URL.Path, "err", err)
		http.Error(w, "schedule store unavailable", http.StatusServiceUnavailable)
	default:
		httpx.LoggerFrom(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// decodePost enforces the method and decodes the JSON body into dst.
func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

type windowFields struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (f windowFields) window() (interval.Window, error) {
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(f.StartTime))
	if err != nil {
		return interval.Window{}, fmt.Errorf("%w: invalid start_time", conflict.ErrInvalidInput)
	}
	end, err := time.Parse(time.RFC3339, strings.TrimSpace(f.EndTime))
	if err != nil {
		return interval.Window{}, fmt.Errorf("%w: invalid end_time", conflict.ErrInvalidInput)
	}
	w := interval.Window{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return interval.Window{}, fmt.Errorf("%w: %w", conflict.ErrInvalidInput, err)
	}
	return w, nil
}
