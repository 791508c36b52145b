package signaling

import (
	"encoding/json"
	"net/http"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/session"
	"github.com/HMasataka/castline/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatsProvider reports hub statistics
type StatsProvider interface {
	GetStats() domain.HubStats
}

// HTTPOptions wires the HTTP surface of the service
type HTTPOptions struct {
	Router    *Router
	Registry  *session.Registry
	Stats     StatsProvider
	WebSocket http.Handler
	Logger    *logging.Logger
}

// NewHTTPHandler mounts the websocket endpoint and the status routes
func NewHTTPHandler(opts HTTPOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", opts.WebSocket.ServeHTTP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, opts.Logger)
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, opts.Stats.GetStats(), opts.Logger)
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, opts.Router.Status(), opts.Logger)
		})
		r.Get("/{viewerID}", func(w http.ResponseWriter, req *http.Request) {
			st, ok := opts.Router.ConnectionStatus(chi.URLParam(req, "viewerID"))
			if !ok {
				writeJSON(w, http.StatusNotFound, domain.ErrorPayload{Code: "NOT_FOUND", Message: "no connection for viewer"}, opts.Logger)
				return
			}
			writeJSON(w, http.StatusOK, st, opts.Logger)
		})
	})

	r.Post("/admin/reset", func(w http.ResponseWriter, _ *http.Request) {
		stopped := opts.Registry.Reset(session.ReasonReset)
		writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped}, opts.Logger)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *logging.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", "error", err)
	}
}
