package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ryanbastic/go-sheetsync/internal/circuitbreaker"
)

// Pinger is satisfied by storage.Store and *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	backends map[string]Pinger
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. breaker may be nil.
func NewHealthHandler(backends map[string]Pinger, breaker *circuitbreaker.Breaker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{backends: backends, breaker: breaker, logger: logger}
}

type backendStatus struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

type readyzResponse struct {
	Status   string                   `json:"status"`
	Breaker  string                   `json:"persistence_breaker,omitempty"`
	Backends map[string]backendStatus `json:"backends,omitempty"`
}

// Livez reports that the process can serve HTTP.
func (h *HealthHandler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz pings every backend concurrently and reports per-backend status.
// An open persistence breaker also makes the service unready, since every
// write would be rejected.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := readyzResponse{Status: "ok"}
	healthy := true

	if len(h.backends) > 0 {
		resp.Backends = h.ping(ctx)
		for _, bs := range resp.Backends {
			if bs.Status != "ok" {
				healthy = false
			}
		}
	}
	if h.breaker != nil {
		state := h.breaker.GetState()
		resp.Breaker = state.String()
		if state == circuitbreaker.Open {
			healthy = false
		}
	}

	if !healthy {
		resp.Status = "unavailable"
		h.logger.Warn("readiness check failed", "backends", resp.Backends, "breaker", resp.Breaker)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) ping(ctx context.Context) map[string]backendStatus {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]backendStatus, len(h.backends))
	)
	for name, p := range h.backends {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := p.Ping(ctx)
			st := backendStatus{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				st.Status = "error"
				st.Error = err.Error()
			}
			mu.Lock()
			out[name] = st
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
