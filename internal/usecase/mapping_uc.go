// File: internal/usecase/mapping_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ PlanMappingUseCase = (*mappingUC)(nil)

// PlanMappingUseCase resolves external product/offer identifiers to internal
// plan descriptors, and exposes the admin CRUD the mapping table needs.
type PlanMappingUseCase interface {
	// Resolve looks up the active mapping for (productID, offerID), falling
	// back to the product-wide mapping when no offer-specific one exists.
	// Returns domain.ErrMappingNotFound when neither is configured.
	Resolve(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error)

	Create(ctx context.Context, productID, offerID, planCode string, tier model.AccessTier, durationDays *int) (*model.PlanMapping, error)
	Update(ctx context.Context, m *model.PlanMapping) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.PlanMapping, error)
	Get(ctx context.Context, id string) (*model.PlanMapping, error)
}

type mappingUC struct {
	mappings repository.PlanMappingRepository
	log      *zerolog.Logger
}

func NewPlanMappingUseCase(mappings repository.PlanMappingRepository, logger *zerolog.Logger) *mappingUC {
	return &mappingUC{mappings: mappings, log: logger}
}

func (u *mappingUC) Resolve(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error) {
	if productID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if offerID != "" {
		m, err := u.mappings.FindActive(ctx, tx, productID, offerID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	m, err := u.mappings.FindActive(ctx, tx, productID, "")
	if err == nil {
		return m, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: product=%s offer=%s", domain.ErrMappingNotFound, productID, offerID)
	}
	return nil, err
}

func (u *mappingUC) Create(ctx context.Context, productID, offerID, planCode string, tier model.AccessTier, durationDays *int) (*model.PlanMapping, error) {
	m, err := model.NewPlanMapping(productID, offerID, planCode, tier, durationDays)
	if err != nil {
		return nil, err
	}
	if err := u.mappings.Save(ctx, repository.NoTX, m); err != nil {
		return nil, err
	}
	u.log.Info().Str("mapping_id", m.ID).Str("product_id", productID).Str("plan_code", planCode).Msg("plan mapping created")
	return m, nil
}

func (u *mappingUC) Update(ctx context.Context, m *model.PlanMapping) error {
	if m == nil || m.ID == "" {
		return domain.ErrInvalidArgument
	}
	return u.mappings.Save(ctx, repository.NoTX, m)
}

func (u *mappingUC) Delete(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrInvalidArgument
	}
	return u.mappings.Delete(ctx, repository.NoTX, id)
}

func (u *mappingUC) List(ctx context.Context) ([]*model.PlanMapping, error) {
	return u.mappings.List(ctx, repository.NoTX)
}

func (u *mappingUC) Get(ctx context.Context, id string) (*model.PlanMapping, error) {
	return u.mappings.FindByID(ctx, repository.NoTX, id)
}
