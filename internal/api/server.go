package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/DialogPipe/internal/gateway"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/registry"
	"github.com/BTreeMap/DialogPipe/internal/settings"
)

// maxBodyBytes bounds request bodies, flow definitions included.
const maxBodyBytes = 1 << 20

// Server serves the DialogPipe REST endpoints.
type Server struct {
	gateway  *gateway.Gateway
	flows    *registry.Registry
	settings settings.Store
	known    func(models.ExecutorType) bool
	validate *validator.Validate
}

// NewServer creates a server. known reports which executor tags are
// registered and is used when validating posted flow definitions.
func NewServer(gw *gateway.Gateway, flows *registry.Registry, st settings.Store, known func(models.ExecutorType) bool) *Server {
	return &Server{
		gateway:  gw,
		flows:    flows,
		settings: st,
		known:    known,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(notFoundHandler)
	router.MethodNotAllowed(methodNotAllowedHandler)

	router.Get("/health", s.healthHandler)
	router.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/messages", s.messageHandler)
		v1.Route("/flows", func(r chi.Router) {
			r.Get("/", s.listFlowsHandler)
			r.Post("/validate", s.validateFlowHandler)
			r.Get("/{id}", s.getFlowHandler)
			r.Put("/{id}/enabled", s.setFlowEnabledHandler)
		})
		v1.Route("/sessions", func(r chi.Router) {
			r.Get("/{identity}", s.getSessionHandler)
			r.Delete("/{identity}", s.deleteSessionHandler)
		})
		v1.Route("/settings", func(r chi.Router) {
			r.Get("/", s.listSettingsHandler)
			r.Put("/{key}", s.putSettingHandler)
		})
	})
	return router
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("API request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()))
	})
}

// purgeDedup removes dedup records older than the gateway's TTL.
func (s *Server) purgeDedup(ctx context.Context) {
	removed, err := s.gateway.PurgeDedup(ctx)
	if err != nil {
		slog.Error("Dedup purge failed", "error", err)
		return
	}
	slog.Debug("Dedup purge completed", "removed", removed)
}
