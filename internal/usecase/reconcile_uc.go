// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/logging"
	"marketplace-billing/internal/infra/metrics"
)

// Compile-time check
var _ ReconcileUseCase = (*reconcileUC)(nil)

// AccountLocker is the optional distributed lock used to keep two workers off
// the same account at once. It reduces transaction contention; correctness
// comes from the advisory xact lock inside the transaction.
type AccountLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// ReconcileUseCase drives a stored InboundEvent through the pipeline:
// decode -> resolve account -> resolve mapping -> apply subscription
// transition. Every business effect of one event happens in one transaction.
type ReconcileUseCase interface {
	// Process reconciles the event with the given id. A nil return means the
	// event reached a settled state (processed, or error recorded on the row);
	// the returned error is for infrastructure failures where not even the
	// bookkeeping could be written.
	Process(ctx context.Context, eventID string) error
	// Requeue resets an errored event for a fresh pass (operator action).
	Requeue(ctx context.Context, eventID string) error
}

type ReconcileOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration // base; doubled per recorded attempt
	LockTTL      time.Duration
	// StaleAfter is how long a processing claim stays valid. Past it the row
	// is treated as orphaned (the worker died before writing bookkeeping) and
	// becomes claimable again.
	StaleAfter time.Duration
}

type reconcileUC struct {
	events   repository.EventRepository
	accounts repository.AccountRepository
	subs     repository.SubscriptionRepository
	accUC    AccountUseCase
	mapUC    PlanMappingUseCase
	tm       repository.TransactionManager
	locker   AccountLocker // may be nil
	opt      ReconcileOptions
	log      *zerolog.Logger
	now      func() time.Time
}

func NewReconcileUseCase(
	events repository.EventRepository,
	accounts repository.AccountRepository,
	subs repository.SubscriptionRepository,
	accUC AccountUseCase,
	mapUC PlanMappingUseCase,
	tm repository.TransactionManager,
	locker AccountLocker,
	opt ReconcileOptions,
	logger *zerolog.Logger,
) *reconcileUC {
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = 5
	}
	if opt.RetryBackoff <= 0 {
		opt.RetryBackoff = time.Minute
	}
	if opt.LockTTL <= 0 {
		opt.LockTTL = 30 * time.Second
	}
	if opt.StaleAfter <= 0 {
		opt.StaleAfter = 10 * time.Minute
	}
	return &reconcileUC{
		events:   events,
		accounts: accounts,
		subs:     subs,
		accUC:    accUC,
		mapUC:    mapUC,
		tm:       tm,
		locker:   locker,
		opt:      opt,
		log:      logger,
		now:      time.Now,
	}
}

func (u *reconcileUC) Process(ctx context.Context, eventID string) error {
	defer logging.TraceDuration(u.log, "ReconcileUC.Process")()
	ctx = logging.WithEventID(ctx, eventID)

	ev, err := u.events.FindByID(ctx, repository.NoTX, eventID)
	if err != nil {
		return err
	}
	if ev.Terminal() {
		return nil
	}

	claimed, err := u.events.MarkProcessing(ctx, repository.NoTX, ev.ID, u.now().Add(-u.opt.StaleAfter))
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or it settled meanwhile.
		return nil
	}

	dec, err := model.DecodePayload(ev.Payload)
	if err != nil {
		metrics.IncReconciliation("malformed")
		return u.events.MarkPermanentError(ctx, repository.NoTX, ev.ID, err.Error())
	}
	ctx = logging.WithProviderTxID(ctx, dec.TxID)

	if u.locker != nil {
		token, lockErr := u.locker.TryLock(ctx, "reconcile:account:"+dec.Email, u.opt.LockTTL)
		if lockErr != nil {
			// Busy account; hand the event back to the sweep without charging
			// an attempt.
			next := u.now().Add(u.opt.RetryBackoff)
			return u.events.MarkError(ctx, repository.NoTX, ev.ID, domain.ErrLockBusy.Error(), false, &next)
		}
		defer func() { _ = u.locker.Unlock(context.WithoutCancel(ctx), "reconcile:account:"+dec.Email, token) }()
	}

	applyErr := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.accounts.AdvisoryLock(ctx, tx, dec.Email); err != nil {
			return err
		}

		account, err := u.accUC.ResolveOrCreate(ctx, tx, dec.Email)
		if err != nil {
			return err
		}

		var mapping *model.PlanMapping
		if dec.Kind != model.EventKindCancellation {
			mapping, err = u.mapUC.Resolve(ctx, tx, dec.ProductID, dec.OfferID)
			if err != nil {
				return err
			}
		}

		existing, err := u.subs.FindByAccountAndOrigin(ctx, tx, account.ID, model.OriginProvider)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		sub, patch := computeTransition(u.now(), dec, mapping, existing, account)
		if sub != nil {
			if err := u.subs.Upsert(ctx, tx, sub); err != nil {
				return err
			}
		}
		if patch != nil {
			if err := u.accounts.UpdateAccess(ctx, tx, account.ID, patch.tier, patch.startAt, patch.expiresAt, patch.lifetime); err != nil {
				return err
			}
		}
		return u.events.MarkProcessed(ctx, tx, ev.ID)
	})

	return u.settle(ctx, ev, applyErr)
}

// settle records the outcome of an attempt on the event row. Only errors from
// the bookkeeping itself escape to the caller.
func (u *reconcileUC) settle(ctx context.Context, ev *model.InboundEvent, applyErr error) error {
	l := logging.With(ctx, u.log)
	switch {
	case applyErr == nil:
		metrics.IncReconciliation("processed")
		l.Info().Str("event_id", ev.ID).Msg("event reconciled")
		return nil

	case errors.Is(applyErr, domain.ErrMappingNotFound):
		metrics.IncReconciliation("mapping_missing")
		next := u.nextAttemptAt(ev.Attempts + 1)
		l.Warn().Str("event_id", ev.ID).Int("attempts", ev.Attempts+1).Msg("no plan mapping; parked for retry")
		return u.events.MarkError(ctx, repository.NoTX, ev.ID, applyErr.Error(), true, next)

	case errors.Is(applyErr, domain.ErrTransientStorage),
		errors.Is(applyErr, context.DeadlineExceeded):
		// Infrastructure failure: retry later without consuming an attempt.
		metrics.IncReconciliation("transient")
		next := u.now().Add(u.opt.RetryBackoff)
		l.Warn().Err(applyErr).Str("event_id", ev.ID).Msg("transient failure; will retry")
		return u.events.MarkError(ctx, repository.NoTX, ev.ID, applyErr.Error(), false, &next)

	default:
		metrics.IncReconciliation("failed")
		next := u.nextAttemptAt(ev.Attempts + 1)
		l.Error().Err(applyErr).Str("event_id", ev.ID).Msg("reconciliation failed")
		return u.events.MarkError(ctx, repository.NoTX, ev.ID, applyErr.Error(), true, next)
	}
}

// nextAttemptAt returns the backoff deadline for the given attempt count, or
// nil once the ceiling is reached (the event stays in error permanently).
func (u *reconcileUC) nextAttemptAt(attempts int) *time.Time {
	if attempts >= u.opt.MaxAttempts {
		return nil
	}
	// Cap the shift: a large attempt count would overflow the duration into
	// a negative value and retry hot instead of backing off.
	shift := attempts - 1
	if shift > 10 {
		shift = 10
	}
	d := u.opt.RetryBackoff << uint(shift)
	if d <= 0 || d > 30*time.Minute {
		d = 30 * time.Minute
	}
	t := u.now().Add(d)
	return &t
}

func (u *reconcileUC) Requeue(ctx context.Context, eventID string) error {
	ev, err := u.events.FindByID(ctx, repository.NoTX, eventID)
	if err != nil {
		return err
	}
	// A live processing claim is off limits; a stale one belongs to a dead
	// worker and the operator may force it back.
	if ev.Status == model.EventStatusProcessing && ev.UpdatedAt.After(u.now().Add(-u.opt.StaleAfter)) {
		return domain.ErrInvalidArgument
	}
	return u.events.Requeue(ctx, repository.NoTX, ev.ID)
}

// accessPatch is the absolute account state a transition settles on.
type accessPatch struct {
	tier      model.AccessTier
	startAt   *time.Time
	expiresAt *time.Time
	lifetime  bool
}

// computeTransition derives the next subscription row and account access
// fields from current stored state plus the decoded event. It is pure: all
// effects are expressed as absolute values so re-applying them is harmless.
//
// A renewal with no prior subscription (out-of-order delivery) is treated as
// a purchase rather than an error; the eventual state matches what in-order
// delivery would have produced.
func computeTransition(now time.Time, dec *model.DecodedEvent, mapping *model.PlanMapping, existing *model.Subscription, account *model.Account) (*model.Subscription, *accessPatch) {
	if dec.Kind == model.EventKindCancellation {
		if existing == nil || existing.Status == model.SubscriptionStatusCancelled {
			return nil, nil
		}
		// Paid-for time is kept: end date and account access stay untouched
		// until natural expiry.
		existing.Status = model.SubscriptionStatusCancelled
		existing.ProviderTxID = dec.TxID
		existing.UpdatedAt = now
		return existing, nil
	}

	if existing != nil && existing.ProviderTxID == dec.TxID {
		// Same transaction already applied to this row (manual requeue of a
		// processed event); nothing further to do.
		return nil, nil
	}

	if mapping.Lifetime() {
		return lifetimeGrant(now, dec, mapping, existing, account)
	}

	kind := dec.Kind
	if existing == nil {
		kind = model.EventKindPurchase
	}

	switch kind {
	case model.EventKindRenewal:
		if existing.Lifetime() {
			// Lifetime access is not extended by renewals.
			existing.ProviderTxID = dec.TxID
			existing.UpdatedAt = now
			return existing, nil
		}
		// Extend from the current end while it is still in the future
		// (unused time is preserved); from now once already expired.
		base := now
		if existing.EndAt != nil && existing.EndAt.After(now) {
			base = *existing.EndAt
		}
		end := base.Add(mapping.Duration())
		existing.PlanCode = mapping.PlanCode
		existing.Status = model.SubscriptionStatusActive
		existing.EndAt = &end
		existing.ProviderTxID = dec.TxID
		existing.UpdatedAt = now
		return existing, &accessPatch{tier: mapping.Tier, startAt: &existing.StartAt, expiresAt: &end, lifetime: account.Lifetime}

	default: // purchase
		end := now.Add(mapping.Duration())
		if existing == nil {
			sub, _ := model.NewSubscription(account.ID, mapping.PlanCode, model.OriginProvider, dec.TxID, now, &end)
			return sub, &accessPatch{tier: mapping.Tier, startAt: &now, expiresAt: &end, lifetime: account.Lifetime}
		}
		// Fresh purchase over an existing row resets the dates.
		existing.PlanCode = mapping.PlanCode
		existing.Status = model.SubscriptionStatusActive
		existing.StartAt = now
		existing.EndAt = &end
		existing.ProviderTxID = dec.TxID
		existing.UpdatedAt = now
		return existing, &accessPatch{tier: mapping.Tier, startAt: &now, expiresAt: &end, lifetime: account.Lifetime}
	}
}

func lifetimeGrant(now time.Time, dec *model.DecodedEvent, mapping *model.PlanMapping, existing *model.Subscription, account *model.Account) (*model.Subscription, *accessPatch) {
	patch := &accessPatch{tier: mapping.Tier, startAt: &now, lifetime: true}
	if existing == nil {
		sub, _ := model.NewSubscription(account.ID, mapping.PlanCode, model.OriginProvider, dec.TxID, now, nil)
		return sub, patch
	}
	existing.PlanCode = mapping.PlanCode
	existing.Status = model.SubscriptionStatusActive
	existing.StartAt = now
	existing.EndAt = nil
	existing.ProviderTxID = dec.TxID
	existing.UpdatedAt = now
	return existing, patch
}
