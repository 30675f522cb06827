package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOperationFailed    = errors.New("storage operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid query execution context")

	// Ingestion / reconciliation taxonomy
	ErrAuthentication   = errors.New("webhook signature invalid")
	ErrMalformedPayload = errors.New("payload missing required identifiers")
	ErrMappingNotFound  = errors.New("no plan mapping for product/offer")
	ErrTransientStorage = errors.New("storage temporarily unavailable")
	ErrAccountConflict  = errors.New("concurrent account creation")
	ErrLockBusy         = errors.New("account reconciliation lock busy")
)
