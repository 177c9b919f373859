package handler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthCheck pings one backing service.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves liveness and dependency readiness.
type HealthHandler struct {
	checks  map[string]HealthCheck
	started time.Time
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks, started: time.Now()}
}

// Live handles GET /health
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, successResponse(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.started).Seconds(),
	}, ""))
}

// Ready handles GET /health/ready. Failing dependencies are named, never
// described.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var (
		mu     sync.Mutex
		g      errgroup.Group
		failed []string
	)
	for name, check := range h.checks {
		g.Go(func() error {
			if err := check(ctx); err != nil {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		resp := errorResponse(http.StatusServiceUnavailable, "Dependencies unavailable")
		resp.Data = map[string]any{"status": "degraded", "failing": failed}
		respondWithJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]any{"status": "ready"}, ""))
}
