package repository

import (
	"context"

	"marketplace-billing/internal/domain/model"
)

// -----------------------------
// Plan mappings
// -----------------------------

type PlanMappingRepository interface {
	Save(ctx context.Context, tx Tx, m *model.PlanMapping) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PlanMapping, error)
	// FindActive matches (productID, offerID) exactly; offerID "" matches the
	// product-wide row. Fallback order is the resolver's concern.
	FindActive(ctx context.Context, tx Tx, productID, offerID string) (*model.PlanMapping, error)
	List(ctx context.Context, tx Tx) ([]*model.PlanMapping, error)
	Delete(ctx context.Context, tx Tx, id string) error
}
