package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/metrics"
	"marketplace-billing/internal/infra/worker"
	"marketplace-billing/internal/usecase"
)

// RetryScheduler periodically sweeps the event store for work: freshly
// received events whose inline processing was lost, and errored events whose
// backoff has elapsed. Each due event becomes a pool task so slow events do
// not block the sweep.
type RetryScheduler struct {
	events      repository.EventRepository
	reconciler  usecase.ReconcileUseCase
	pool        *worker.Pool
	interval    time.Duration
	taskTimeout time.Duration
	staleAfter  time.Duration
	maxAttempts int
	batchSize   int
	log         *zerolog.Logger
}

func NewRetryScheduler(
	events repository.EventRepository,
	reconciler usecase.ReconcileUseCase,
	pool *worker.Pool,
	interval, taskTimeout, staleAfter time.Duration,
	maxAttempts int,
	logger *zerolog.Logger,
) *RetryScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	schedLog := logger.With().Str("component", "RetryScheduler").Logger()
	return &RetryScheduler{
		events:      events,
		reconciler:  reconciler,
		pool:        pool,
		interval:    interval,
		taskTimeout: taskTimeout,
		staleAfter:  staleAfter,
		maxAttempts: maxAttempts,
		batchSize:   200,
		log:         &schedLog,
	}
}

func (s *RetryScheduler) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("starting retry scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("stopping retry scheduler")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RetryScheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.events.ListDue(ctx, repository.NoTX, now, now.Add(-s.staleAfter), s.maxAttempts, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("list due events failed")
		return
	}
	if len(due) == 0 {
		return
	}
	metrics.AddRetrySweepEvents(len(due))
	s.log.Debug().Int("count", len(due)).Msg("sweeping due events")

	for _, ev := range due {
		id := ev.ID
		task := func(ctx context.Context) error {
			runCtx, cancel := context.WithTimeout(ctx, s.taskTimeout)
			defer cancel()
			return s.reconciler.Process(runCtx, id)
		}
		if err := s.pool.Submit(task); err != nil {
			// Queue full: the rest of the batch waits for the next tick.
			s.log.Warn().Err(err).Str("event_id", id).Msg("submit reconcile task failed")
			return
		}
	}
}
