// File: internal/usecase/stats_uc.go
package usecase

import (
	"context"

	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ StatsUseCase = (*statsUC)(nil)

// Totals is the operator dashboard snapshot.
type Totals struct {
	Accounts        int
	EventsByStatus  map[model.EventStatus]int
	SubsByStatus    map[model.SubscriptionStatus]int
	ActiveSubByPlan map[string]int
}

type StatsUseCase interface {
	Totals(ctx context.Context) (*Totals, error)
}

type statsUC struct {
	accounts repository.AccountRepository
	events   repository.EventRepository
	subs     repository.SubscriptionRepository
}

func NewStatsUseCase(accounts repository.AccountRepository, events repository.EventRepository, subs repository.SubscriptionRepository) *statsUC {
	return &statsUC{accounts: accounts, events: events, subs: subs}
}

func (u *statsUC) Totals(ctx context.Context) (*Totals, error) {
	accounts, err := u.accounts.Count(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	events, err := u.events.CountByStatus(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	byStatus, err := u.subs.CountByStatus(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	byPlan, err := u.subs.CountActiveByPlan(ctx, repository.NoTX)
	if err != nil {
		return nil, err
	}
	return &Totals{
		Accounts:        accounts,
		EventsByStatus:  events,
		SubsByStatus:    byStatus,
		ActiveSubByPlan: byPlan,
	}, nil
}
