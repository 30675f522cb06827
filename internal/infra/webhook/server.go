package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/config"
	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/infra/api"
	"marketplace-billing/internal/infra/logging"
	"marketplace-billing/internal/infra/metrics"
	"marketplace-billing/internal/infra/redis"
	"marketplace-billing/internal/infra/worker"
	"marketplace-billing/internal/usecase"
)

// Server is the provider-facing listener. Its contract with the provider is
// narrow: authenticate, store the raw event, answer 200. Reconciliation is
// handed to the worker pool so the provider never waits on our processing.
type Server struct {
	cfg        *config.WebhookConfig
	ingestUC   usecase.IngestUseCase
	reconciler usecase.ReconcileUseCase
	pool       *worker.Pool
	limiter    *redis.RateLimiter // may be nil
	timeout    time.Duration
	log        *zerolog.Logger
	server     *http.Server
}

func NewServer(
	cfg *config.WebhookConfig,
	ingestUC usecase.IngestUseCase,
	reconciler usecase.ReconcileUseCase,
	pool *worker.Pool,
	limiter *redis.RateLimiter,
	attemptTimeout time.Duration,
	logger *zerolog.Logger,
) *Server {
	whLog := logger.With().Str("component", "WebhookServer").Logger()
	if attemptTimeout <= 0 {
		attemptTimeout = 30 * time.Second
	}
	return &Server{
		cfg:        cfg,
		ingestUC:   ingestUC,
		reconciler: reconciler,
		pool:       pool,
		limiter:    limiter,
		timeout:    attemptTimeout,
		log:        &whLog,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, api.Chain(
		http.HandlerFunc(s.handleProviderEvent),
		api.TraceID(s.log),
		api.Recover(s.log),
		api.RequestLog(s.log),
	))
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Int("port", s.cfg.Port).Str("path", s.cfg.Path).Msg("webhook server listening")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.ObserveWebhookLatency(status, float64(time.Since(start).Milliseconds()))
	}()

	if r.Method != http.MethodPost {
		status = "method_not_allowed"
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.limiter != nil {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed, err := s.limiter.Allow(r.Context(), redis.WebhookKey(host), s.cfg.RateLimit, s.cfg.RateLimitWindow)
		if err != nil {
			// Redis trouble must not drop provider traffic; let it through.
			s.log.Warn().Err(err).Msg("rate limiter unavailable")
		} else if !allowed {
			status = "rate_limited"
			metrics.IncEventIngested("rejected")
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		status = "body_too_large"
		metrics.IncEventIngested("rejected")
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Authentication failures are rejected at the boundary and never stored.
	if s.cfg.Secret != "" {
		sig := r.Header.Get(SignatureHeader)
		if sig == "" || !VerifySignature(s.cfg.Secret, body, sig) {
			status = "unauthorized"
			metrics.IncEventIngested("rejected")
			s.log.Warn().Err(domain.ErrAuthentication).Str("remote", r.RemoteAddr).Msg("webhook signature verification failed")
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	res, err := s.ingestUC.Ingest(r.Context(), body)
	if err != nil {
		status = "store_failed"
		l := logging.With(r.Context(), s.log)
		l.Error().Err(err).Msg("event store write failed")
		http.Error(w, "Storage unavailable", http.StatusServiceUnavailable)
		return
	}

	// Answer before reconciling; re-delivery is safe either way.
	switch {
	case res.Malformed:
		status = "malformed"
	case res.Duplicate:
		status = "duplicate"
	default:
		s.submitReconcile(res.Event.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":   "stored",
		"event_id": res.Event.ID,
	})
}

func (s *Server) submitReconcile(eventID string) {
	task := func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.reconciler.Process(runCtx, eventID)
	}
	if err := s.pool.Submit(task); err != nil {
		// The retry sweep will pick the event up; it is already durable.
		s.log.Warn().Err(err).Str("event_id", eventID).Msg("inline reconcile submit failed")
	}
}
