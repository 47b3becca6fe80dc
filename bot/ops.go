package bot

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewOpsHandler returns the operations endpoint: GET /healthz for liveness
// and GET /status for handler counters.
func NewOpsHandler(h *Handler) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			UptimeSeconds int64 `json:"uptime_seconds"`
			Stats
		}{
			UptimeSeconds: int64(time.Since(started).Seconds()),
			Stats:         h.Stats(),
		})
	})
	return r
}
