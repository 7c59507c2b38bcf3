package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

const readyTimeout = 2 * time.Second

type readyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewBaseMuxWithReady mounts /healthz (process up) and /readyz (dependencies
// reachable) on a fresh mux.
func NewBaseMuxWithReady(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/readyz", ReadyHandler(checks...))
	return mux
}

// ReadyHandler runs every check in parallel, each under its own timeout, and
// answers 503 when any fails.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := make([]error, len(checks))
		var wg sync.WaitGroup
		for i, check := range checks {
			if check.Check == nil {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
				defer cancel()
				results[i] = check.Check(ctx)
			}()
		}
		wg.Wait()

		report := readyReport{Status: "ready"}
		status := http.StatusOK
		if len(checks) > 0 {
			report.Checks = make(map[string]string, len(checks))
		}
		for i, check := range checks {
			name := check.Name
			if name == "" {
				name = "dependency"
			}
			if err := results[i]; err != nil {
				report.Checks[name] = err.Error()
				report.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
