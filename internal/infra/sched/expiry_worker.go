package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/metrics"
)

// ExpiryWorker periodically closes out finished terms: subscriptions whose
// end date has passed flip to expired, and accounts with a lapsed term drop
// back to the free tier. Lifetime grants are never touched.
type ExpiryWorker struct {
	interval time.Duration
	accounts repository.AccountRepository
	subs     repository.SubscriptionRepository
	log      *zerolog.Logger
}

func NewExpiryWorker(interval time.Duration, accounts repository.AccountRepository, subs repository.SubscriptionRepository, logger *zerolog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	exprLog := logger.With().Str("component", "ExpiryWorker").Logger()
	return &ExpiryWorker{
		interval: interval,
		accounts: accounts,
		subs:     subs,
		log:      &exprLog,
	}
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("starting expiry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("stopping expiry worker")
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *ExpiryWorker) tick(ctx context.Context) {
	now := time.Now()

	n, err := w.subs.MarkExpired(ctx, repository.NoTX, now)
	if err != nil {
		w.log.Error().Err(err).Msg("mark expired subscriptions failed")
	} else if n > 0 {
		w.log.Info().Int("count", n).Msg("subscriptions expired")
	}

	n, err = w.accounts.DemoteExpired(ctx, repository.NoTX, now)
	if err != nil {
		w.log.Error().Err(err).Msg("demote expired accounts failed")
		return
	}
	if n > 0 {
		metrics.AddAccountsDemoted(n)
		w.log.Info().Int("count", n).Msg("accounts demoted to free tier")
	}
}
