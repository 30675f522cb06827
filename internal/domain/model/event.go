package model

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"marketplace-billing/internal/domain"
)

type EventStatus string

const (
	EventStatusReceived   EventStatus = "received"
	EventStatusProcessing EventStatus = "processing"
	EventStatusProcessed  EventStatus = "processed"
	EventStatusError      EventStatus = "error"
)

type EventKind string

const (
	EventKindPurchase     EventKind = "purchase"
	EventKindRenewal      EventKind = "renewal"
	EventKindCancellation EventKind = "cancellation"
)

// InboundEvent is the durable record of a single provider notification.
// Rows are append-only: status and attempt bookkeeping mutate, the raw
// payload never does, so the table doubles as the audit trail.
type InboundEvent struct {
	ID            string // ULID, sortable by receipt time
	ProviderTxID  string // provider transaction id; "" only for malformed payloads
	Email         string
	Payload       []byte // raw provider JSON, stored opaque
	Status        EventStatus
	ErrorDetail   *string
	Attempts      int
	// Permanent marks an event the sweep must never retry (malformed
	// payload). Only an operator requeue clears it.
	Permanent     bool
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewInboundEvent wraps a raw payload for persistence. txID and email may be
// empty when the payload is malformed; the caller decides the initial status.
func NewInboundEvent(txID, email string, payload []byte, status EventStatus) *InboundEvent {
	now := time.Now()
	return &InboundEvent{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ProviderTxID: txID,
		Email:        email,
		Payload:      payload,
		Status:       status,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (e *InboundEvent) Terminal() bool {
	return e.Status == EventStatusProcessed
}

// DecodedEvent is the typed result of strictly extracting the fields the
// reconciler needs from the provider's duck-typed JSON.
type DecodedEvent struct {
	TxID      string
	Email     string
	ProductID string
	OfferID   string
	Kind      EventKind
}

// providerPayload mirrors the subset of the provider notification we read.
// The provider has renamed fields across API versions, hence the aliases.
type providerPayload struct {
	TransactionID string `json:"transaction_id"`
	Transaction   string `json:"transaction"`
	Email         string `json:"email"`
	BuyerEmail    string `json:"buyer_email"`
	ProductID     string `json:"product_id"`
	Prod          string `json:"prod"`
	OfferID       string `json:"offer_id"`
	Off           string `json:"off"`
	Event         string `json:"event"`
	Status        string `json:"status"`
}

// DecodePayload extracts a DecodedEvent from raw provider JSON.
// Missing transaction id or email is a permanent ErrMalformedPayload.
func DecodePayload(raw []byte) (*DecodedEvent, error) {
	var p providerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	d := &DecodedEvent{
		TxID:      firstNonEmpty(p.TransactionID, p.Transaction),
		Email:     strings.ToLower(strings.TrimSpace(firstNonEmpty(p.Email, p.BuyerEmail))),
		ProductID: firstNonEmpty(p.ProductID, p.Prod),
		OfferID:   firstNonEmpty(p.OfferID, p.Off),
	}
	if d.TxID == "" {
		return nil, fmt.Errorf("%w: transaction id", domain.ErrMalformedPayload)
	}
	if d.Email == "" {
		return nil, fmt.Errorf("%w: email", domain.ErrMalformedPayload)
	}

	kind, err := parseKind(firstNonEmpty(p.Event, p.Status))
	if err != nil {
		return nil, err
	}
	d.Kind = kind

	if d.Kind != EventKindCancellation && d.ProductID == "" {
		return nil, fmt.Errorf("%w: product id", domain.ErrMalformedPayload)
	}
	return d, nil
}

func parseKind(s string) (EventKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "purchase", "purchase_approved", "approved", "completed":
		return EventKindPurchase, nil
	case "renewal", "purchase_renewed", "subscription_renewed", "recurring":
		return EventKindRenewal, nil
	case "cancellation", "cancelled", "canceled", "subscription_cancellation", "refunded", "chargeback":
		return EventKindCancellation, nil
	default:
		return "", fmt.Errorf("%w: event kind %q", domain.ErrMalformedPayload, s)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
