//go:build !integration

package usecase_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

func daysPtr(d int) *int { return &d }

// =============================
// Repositories (in-memory)
// =============================

// ---- Events ----

type MockEventRepo struct {
	mu    sync.RWMutex
	store map[string]*model.InboundEvent
	byTx  map[string]string // provider_tx_id -> event id

	InsertFunc    func(ctx context.Context, tx repository.Tx, e *model.InboundEvent) (bool, error)
	MarkErrorFunc func(ctx context.Context, tx repository.Tx, id, detail string, countAttempt bool, nextAttemptAt *time.Time) error
}

var _ repository.EventRepository = (*MockEventRepo)(nil)

func NewMockEventRepo() *MockEventRepo {
	return &MockEventRepo{store: make(map[string]*model.InboundEvent), byTx: make(map[string]string)}
}

func (m *MockEventRepo) Insert(ctx context.Context, tx repository.Tx, e *model.InboundEvent) (bool, error) {
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, tx, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ProviderTxID != "" {
		if _, dup := m.byTx[e.ProviderTxID]; dup {
			return false, nil
		}
		m.byTx[e.ProviderTxID] = e.ID
	}
	cp := *e
	m.store[e.ID] = &cp
	return true, nil
}

func (m *MockEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MockEventRepo) FindByProviderTxID(ctx context.Context, tx repository.Tx, txID string) (*model.InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTx[txID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *m.store[id]
	return &cp, nil
}

func (m *MockEventRepo) MarkProcessing(ctx context.Context, tx repository.Tx, id string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	claimable := e.Status == model.EventStatusReceived || e.Status == model.EventStatusError ||
		(e.Status == model.EventStatusProcessing && !e.UpdatedAt.After(staleBefore))
	if !claimable {
		return false, nil
	}
	e.Status = model.EventStatusProcessing
	e.UpdatedAt = time.Now()
	return true, nil
}

func (m *MockEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = model.EventStatusProcessed
	e.ErrorDetail = nil
	e.NextAttemptAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MockEventRepo) MarkError(ctx context.Context, tx repository.Tx, id, detail string, countAttempt bool, nextAttemptAt *time.Time) error {
	if m.MarkErrorFunc != nil {
		return m.MarkErrorFunc(ctx, tx, id, detail, countAttempt, nextAttemptAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = model.EventStatusError
	e.ErrorDetail = &detail
	if countAttempt {
		e.Attempts++
	}
	e.NextAttemptAt = nextAttemptAt
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MockEventRepo) MarkPermanentError(ctx context.Context, tx repository.Tx, id, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = model.EventStatusError
	e.ErrorDetail = &detail
	e.Permanent = true
	e.NextAttemptAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MockEventRepo) Requeue(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.store[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = model.EventStatusReceived
	e.Attempts = 0
	e.Permanent = false
	e.NextAttemptAt = nil
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MockEventRepo) ListDue(ctx context.Context, tx repository.Tx, now, staleBefore time.Time, maxAttempts, limit int) ([]*model.InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.InboundEvent
	for _, e := range m.store {
		if e.Permanent || e.Attempts >= maxAttempts {
			continue
		}
		switch e.Status {
		case model.EventStatusReceived, model.EventStatusError:
			if e.NextAttemptAt != nil && e.NextAttemptAt.After(now) {
				continue
			}
		case model.EventStatusProcessing:
			if e.UpdatedAt.After(staleBefore) {
				continue
			}
		default:
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MockEventRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.EventStatus, offset, limit int) ([]*model.InboundEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.InboundEvent
	for _, e := range m.store {
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockEventRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.EventStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.EventStatus]int)
	for _, e := range m.store {
		out[e.Status]++
	}
	return out, nil
}

// ---- Accounts ----

type MockAccountRepo struct {
	mu    sync.RWMutex
	store map[string]*model.Account // by email

	CreateFunc       func(ctx context.Context, tx repository.Tx, a *model.Account) error
	FindByEmailFunc  func(ctx context.Context, tx repository.Tx, email string) (*model.Account, error)
	UpdateAccessFunc func(ctx context.Context, tx repository.Tx, id string, tier model.AccessTier, startAt, expiresAt *time.Time, lifetime bool) error
}

var _ repository.AccountRepository = (*MockAccountRepo)(nil)

func NewMockAccountRepo() *MockAccountRepo {
	return &MockAccountRepo{store: make(map[string]*model.Account)}
}

func (m *MockAccountRepo) Create(ctx context.Context, tx repository.Tx, a *model.Account) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tx, a)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.store[a.Email]; dup {
		return domain.ErrAlreadyExists
	}
	cp := *a
	m.store[a.Email] = &cp
	return nil
}

func (m *MockAccountRepo) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.store[a.Email] = &cp
	return nil
}

func (m *MockAccountRepo) FindByEmail(ctx context.Context, tx repository.Tx, email string) (*model.Account, error) {
	if m.FindByEmailFunc != nil {
		return m.FindByEmailFunc(ctx, tx, email)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.store[email]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MockAccountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.store {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockAccountRepo) UpdateAccess(ctx context.Context, tx repository.Tx, id string, tier model.AccessTier, startAt, expiresAt *time.Time, lifetime bool) error {
	if m.UpdateAccessFunc != nil {
		return m.UpdateAccessFunc(ctx, tx, id, tier, startAt, expiresAt, lifetime)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.store {
		if a.ID == id {
			a.Tier = tier
			a.Origin = model.OriginProvider
			a.SubStartAt = startAt
			a.ExpiresAt = expiresAt
			a.Lifetime = lifetime
			a.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockAccountRepo) AdvisoryLock(ctx context.Context, tx repository.Tx, key string) error {
	return nil
}

func (m *MockAccountRepo) DemoteExpired(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.store {
		if !a.Lifetime && a.Tier != model.TierFree && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			a.Tier = model.TierFree
			n++
		}
	}
	return n, nil
}

func (m *MockAccountRepo) Count(ctx context.Context, tx repository.Tx) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.store), nil
}

// ---- Plan mappings ----

type MockMappingRepo struct {
	mu    sync.RWMutex
	store map[string]*model.PlanMapping // by id

	FindActiveFunc func(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error)
}

var _ repository.PlanMappingRepository = (*MockMappingRepo)(nil)

func NewMockMappingRepo() *MockMappingRepo {
	return &MockMappingRepo{store: make(map[string]*model.PlanMapping)}
}

func (m *MockMappingRepo) Save(ctx context.Context, tx repository.Tx, pm *model.PlanMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pm
	m.store[pm.ID] = &cp
	return nil
}

func (m *MockMappingRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PlanMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pm, ok := m.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *pm
	return &cp, nil
}

func (m *MockMappingRepo) FindActive(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error) {
	if m.FindActiveFunc != nil {
		return m.FindActiveFunc(ctx, tx, productID, offerID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pm := range m.store {
		if pm.Active && pm.ProductID == productID && pm.OfferID == offerID {
			cp := *pm
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockMappingRepo) List(ctx context.Context, tx repository.Tx) ([]*model.PlanMapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.PlanMapping, 0, len(m.store))
	for _, pm := range m.store {
		cp := *pm
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockMappingRepo) Delete(ctx context.Context, tx repository.Tx, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.store, id)
	return nil
}

// ---- Subscriptions ----

type MockSubscriptionRepo struct {
	mu    sync.RWMutex
	store map[string]*model.Subscription // by accountID|origin

	UpsertFunc func(ctx context.Context, tx repository.Tx, s *model.Subscription) error
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{store: make(map[string]*model.Subscription)}
}

func subKey(accountID string, origin model.SubscriptionOrigin) string {
	return fmt.Sprintf("%s|%s", accountID, origin)
}

func (m *MockSubscriptionRepo) Upsert(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, tx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.store[subKey(s.AccountID, s.Origin)] = &cp
	return nil
}

func (m *MockSubscriptionRepo) FindByAccountAndOrigin(ctx context.Context, tx repository.Tx, accountID string, origin model.SubscriptionOrigin) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.store[subKey(accountID, origin)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.store {
		if s.ID == id {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) MarkExpired(ctx context.Context, tx repository.Tx, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.store {
		if s.Status == model.SubscriptionStatusExpired {
			continue
		}
		if s.EndAt != nil && !s.EndAt.After(now) {
			s.Status = model.SubscriptionStatusExpired
			n++
		}
	}
	return n, nil
}

func (m *MockSubscriptionRepo) CountActiveByPlan(ctx context.Context, tx repository.Tx) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range m.store {
		if s.Status == model.SubscriptionStatusActive {
			out[s.PlanCode]++
		}
	}
	return out, nil
}

func (m *MockSubscriptionRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.SubscriptionStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.SubscriptionStatus]int)
	for _, s := range m.store {
		out[s.Status]++
	}
	return out, nil
}

// =============================
// Transaction manager and locks
// =============================

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

// WithTx runs the callback immediately with NoTX by default. Tests that need
// to observe or fail the transaction assign WithTxFunc.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// ---- In-memory account locker ----

type MockLocker struct {
	mu   sync.Mutex
	held map[string]string
	// Busy simulates lock contention for every TryLock when set.
	Busy bool
}

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Busy {
		return "", domain.ErrLockBusy
	}
	if _, taken := l.held[key]; taken {
		return "", domain.ErrLockBusy
	}
	token := fmt.Sprintf("tok-%d", time.Now().UnixNano())
	l.held[key] = token
	return token, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// ---- Deterministic credential source ----

type fixedCreds struct{}

func (fixedCreds) Generate() (string, string, error) {
	return "plain-credential", "hashed-credential", nil
}
