package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes registers the handlers on r relative to its mount point.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/webhooks/callback", h.handleCallback)
	r.Post("/admin/adjustments", h.handleAdjustment)
	r.Get("/accounts/{accountID}", h.getAccount)
	r.Get("/accounts/{accountID}/entries", h.listEntries)
}

// NewRouter builds a router serving the handlers under basePath.
func NewRouter(h *Handler, basePath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if basePath == "" || basePath == "/" {
		h.Routes(r)
	} else {
		r.Route(basePath, h.Routes)
	}
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
