// File: internal/usecase/ingest_uc.go
package usecase

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/logging"
	"marketplace-billing/internal/infra/metrics"
)

// Compile-time check
var _ IngestUseCase = (*ingestUC)(nil)

// IngestResult reports what persisting one provider callback did.
type IngestResult struct {
	Event *model.InboundEvent
	// Duplicate is true when the transaction id was already on file and the
	// delivery was a no-op.
	Duplicate bool
	// Malformed is true when required identifiers were missing; the raw
	// payload was still stored (status=error) for manual inspection.
	Malformed bool
}

// IngestUseCase persists a raw provider callback before any business logic
// runs. Signature verification happens at the HTTP boundary, before this is
// called, so nothing unauthenticated ever reaches storage.
type IngestUseCase interface {
	Ingest(ctx context.Context, raw []byte) (*IngestResult, error)
}

type ingestUC struct {
	events repository.EventRepository
	log    *zerolog.Logger
}

func NewIngestUseCase(events repository.EventRepository, logger *zerolog.Logger) *ingestUC {
	return &ingestUC{events: events, log: logger}
}

func (u *ingestUC) Ingest(ctx context.Context, raw []byte) (*IngestResult, error) {
	defer logging.TraceDuration(u.log, "IngestUC.Ingest")()

	dec, err := model.DecodePayload(raw)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedPayload) {
			return nil, err
		}
		// Keep the payload for the audit trail, parked permanently in error;
		// the provider gets a success response so it stops re-delivering.
		detail := err.Error()
		ev := model.NewInboundEvent("", "", raw, model.EventStatusError)
		ev.ErrorDetail = &detail
		ev.Permanent = true
		if _, err := u.events.Insert(ctx, repository.NoTX, ev); err != nil {
			return nil, err
		}
		metrics.IncEventIngested("malformed")
		u.log.Warn().Str("event_id", ev.ID).Str("detail", detail).Msg("malformed payload stored")
		return &IngestResult{Event: ev, Malformed: true}, nil
	}

	ev := model.NewInboundEvent(dec.TxID, dec.Email, raw, model.EventStatusReceived)
	created, err := u.events.Insert(ctx, repository.NoTX, ev)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := u.events.FindByProviderTxID(ctx, repository.NoTX, dec.TxID)
		if err != nil {
			return nil, err
		}
		metrics.IncEventIngested("duplicate")
		u.log.Debug().Str("provider_tx_id", dec.TxID).Msg("duplicate delivery ignored")
		return &IngestResult{Event: existing, Duplicate: true}, nil
	}

	metrics.IncEventIngested("accepted")
	u.log.Info().Str("event_id", ev.ID).Str("provider_tx_id", dec.TxID).Msg("event stored")
	return &IngestResult{Event: ev}, nil
}
