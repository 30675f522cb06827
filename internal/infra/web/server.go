package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marketplace-billing/internal/config"
	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/api"
	"marketplace-billing/internal/usecase"
)

// Server is the operator-facing API: event diagnostics and manual requeue,
// plan mapping administration, aggregate stats, and metrics. Everything
// except login and health sits behind the JWT session.
type Server struct {
	cfg        *config.AdminConfig
	auth       *AuthManager
	events     repository.EventRepository
	reconciler usecase.ReconcileUseCase
	mapUC      usecase.PlanMappingUseCase
	statsUC    usecase.StatsUseCase
	log        *zerolog.Logger
	server     *http.Server
}

func NewServer(
	cfg *config.AdminConfig,
	auth *AuthManager,
	events repository.EventRepository,
	reconciler usecase.ReconcileUseCase,
	mapUC usecase.PlanMappingUseCase,
	statsUC usecase.StatsUseCase,
	logger *zerolog.Logger,
) *Server {
	webLog := logger.With().Str("component", "AdminServer").Logger()
	return &Server{
		cfg:        cfg,
		auth:       auth,
		events:     events,
		reconciler: reconciler,
		mapUC:      mapUC,
		statsUC:    statsUC,
		log:        &webLog,
	}
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("admin server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router builds the chi route tree. Exposed separately so tests can drive
// the handlers without a listening socket.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(toChi(api.TraceID(s.log)))
	r.Use(toChi(api.Recover(s.log)))
	r.Use(toChi(api.RequestLog(s.log)))
	r.Use(toChi(api.Timeout(30 * time.Second)))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/v1/login", s.handleLogin)
	r.Post("/api/v1/logout", s.handleLogout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.sessionGuard)

		r.Get("/stats", s.handleStats)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleEventsList)
			r.Get("/{id}", s.handleEventGet)
			r.Post("/{id}/requeue", s.handleEventRequeue)
		})

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleMappingsList)
			r.Post("/", s.handleMappingCreate)
			r.Get("/{id}", s.handleMappingGet)
			r.Put("/{id}", s.handleMappingUpdate)
			r.Delete("/{id}", s.handleMappingDelete)
		})
	})

	return r
}

func toChi(mw api.Middleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return mw(next) }
}

// sessionGuard rejects requests without a valid operator session.
func (s *Server) sessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.auth.ParseFromRequest(r); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) passwordMatches(candidate string) bool {
	if s.cfg.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.cfg.Password)) == 1
}
