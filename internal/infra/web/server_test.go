//go:build !integration

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marketplace-billing/internal/config"
	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
	"marketplace-billing/internal/infra/web"
	"marketplace-billing/internal/usecase"
)

const (
	testJWTSecret    = "admin-test-secret"
	testOperatorPass = "operator-pass"
)

// ---- fakes ----

type fakeEventRepo struct {
	mu    sync.RWMutex
	store map[string]*model.InboundEvent
}

var _ repository.EventRepository = (*fakeEventRepo)(nil)

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{store: make(map[string]*model.InboundEvent)}
}

func (f *fakeEventRepo) add(e *model.InboundEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[e.ID] = e
}

func (f *fakeEventRepo) Insert(ctx context.Context, tx repository.Tx, e *model.InboundEvent) (bool, error) {
	f.add(e)
	return true, nil
}

func (f *fakeEventRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.InboundEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

func (f *fakeEventRepo) FindByProviderTxID(ctx context.Context, tx repository.Tx, txID string) (*model.InboundEvent, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeEventRepo) MarkProcessing(ctx context.Context, tx repository.Tx, id string, staleBefore time.Time) (bool, error) {
	return false, nil
}

func (f *fakeEventRepo) MarkProcessed(ctx context.Context, tx repository.Tx, id string) error {
	return nil
}

func (f *fakeEventRepo) MarkError(ctx context.Context, tx repository.Tx, id, detail string, countAttempt bool, nextAttemptAt *time.Time) error {
	return nil
}

func (f *fakeEventRepo) MarkPermanentError(ctx context.Context, tx repository.Tx, id, detail string) error {
	return nil
}

func (f *fakeEventRepo) Requeue(ctx context.Context, tx repository.Tx, id string) error { return nil }

func (f *fakeEventRepo) ListDue(ctx context.Context, tx repository.Tx, now, staleBefore time.Time, maxAttempts, limit int) ([]*model.InboundEvent, error) {
	return nil, nil
}

func (f *fakeEventRepo) ListByStatus(ctx context.Context, tx repository.Tx, status model.EventStatus, offset, limit int) ([]*model.InboundEvent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []*model.InboundEvent
	for _, e := range f.store {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventRepo) CountByStatus(ctx context.Context, tx repository.Tx) (map[model.EventStatus]int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[model.EventStatus]int)
	for _, e := range f.store {
		out[e.Status]++
	}
	return out, nil
}

type fakeReconciler struct {
	mu         sync.Mutex
	requeued   []string
	requeueErr error
}

func (f *fakeReconciler) Process(ctx context.Context, eventID string) error { return nil }

func (f *fakeReconciler) Requeue(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued = append(f.requeued, eventID)
	return nil
}

type fakeMappingUC struct {
	mu    sync.RWMutex
	store map[string]*model.PlanMapping
}

var _ usecase.PlanMappingUseCase = (*fakeMappingUC)(nil)

func newFakeMappingUC() *fakeMappingUC {
	return &fakeMappingUC{store: make(map[string]*model.PlanMapping)}
}

func (f *fakeMappingUC) Resolve(ctx context.Context, tx repository.Tx, productID, offerID string) (*model.PlanMapping, error) {
	return nil, domain.ErrMappingNotFound
}

func (f *fakeMappingUC) Create(ctx context.Context, productID, offerID, planCode string, tier model.AccessTier, durationDays *int) (*model.PlanMapping, error) {
	m, err := model.NewPlanMapping(productID, offerID, planCode, tier, durationDays)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store[m.ID] = m
	return m, nil
}

func (f *fakeMappingUC) Update(ctx context.Context, m *model.PlanMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[m.ID]; !ok {
		return domain.ErrNotFound
	}
	f.store[m.ID] = m
	return nil
}

func (f *fakeMappingUC) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.store[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.store, id)
	return nil
}

func (f *fakeMappingUC) List(ctx context.Context) ([]*model.PlanMapping, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*model.PlanMapping, 0, len(f.store))
	for _, m := range f.store {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMappingUC) Get(ctx context.Context, id string) (*model.PlanMapping, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.store[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

type fakeStats struct{ totals *usecase.Totals }

func (f *fakeStats) Totals(ctx context.Context) (*usecase.Totals, error) { return f.totals, nil }

// ---- harness ----

type adminFixture struct {
	router   http.Handler
	events   *fakeEventRepo
	rec      *fakeReconciler
	mappings *fakeMappingUC
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	logger := zerolog.New(io.Discard)
	cfg := &config.AdminConfig{
		Port:       0,
		JWTSecret:  testJWTSecret,
		Password:   testOperatorPass,
		SessionTTL: time.Hour,
	}
	auth := web.NewAuthManager(cfg.JWTSecret, false, "", cfg.SessionTTL)
	events := newFakeEventRepo()
	rec := &fakeReconciler{}
	mappings := newFakeMappingUC()
	stats := &fakeStats{totals: &usecase.Totals{
		Accounts:        3,
		EventsByStatus:  map[model.EventStatus]int{model.EventStatusProcessed: 2},
		SubsByStatus:    map[model.SubscriptionStatus]int{model.SubscriptionStatusActive: 1},
		ActiveSubByPlan: map[string]int{"premium-30": 1},
	}}
	s := web.NewServer(cfg, auth, events, rec, mappings, stats, &logger)
	return &adminFixture{router: s.Router(), events: events, rec: rec, mappings: mappings}
}

func (f *adminFixture) login(t *testing.T) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/api/v1/login", `{"password":"`+testOperatorPass+`"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login returned an empty token")
	}
	return resp.Token
}

func (f *adminFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

// ---- tests ----

func TestAdminSession(t *testing.T) {
	t.Run("wrong password is forbidden", func(t *testing.T) {
		f := newAdminFixture(t)
		if rr := f.do(t, http.MethodPost, "/api/v1/login", `{"password":"guess"}`, ""); rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rr.Code)
		}
	})

	t.Run("login sets a session cookie and returns the token", func(t *testing.T) {
		f := newAdminFixture(t)
		rr := f.do(t, http.MethodPost, "/api/v1/login", `{"password":"`+testOperatorPass+`"}`, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		cookies := rr.Result().Cookies()
		found := false
		for _, c := range cookies {
			if c.Name == "operator_session" && c.Value != "" {
				found = true
			}
		}
		if !found {
			t.Error("expected operator_session cookie")
		}
	})

	t.Run("guarded routes reject missing and garbage tokens", func(t *testing.T) {
		f := newAdminFixture(t)
		if rr := f.do(t, http.MethodGet, "/api/v1/stats", "", ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 without token, got %d", rr.Code)
		}
		if rr := f.do(t, http.MethodGet, "/api/v1/stats", "", "not-a-jwt"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 with garbage token, got %d", rr.Code)
		}
	})

	t.Run("health and metrics stay public", func(t *testing.T) {
		f := newAdminFixture(t)
		if rr := f.do(t, http.MethodGet, "/health", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("expected public /health, got %d", rr.Code)
		}
		if rr := f.do(t, http.MethodGet, "/metrics", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("expected public /metrics, got %d", rr.Code)
		}
	})

	t.Run("logout clears the cookie", func(t *testing.T) {
		f := newAdminFixture(t)
		rr := f.do(t, http.MethodPost, "/api/v1/logout", "", "")
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
		for _, c := range rr.Result().Cookies() {
			if c.Name == "operator_session" && c.MaxAge >= 0 {
				t.Error("expected the session cookie expired")
			}
		}
	})
}

func TestAdminStats(t *testing.T) {
	f := newAdminFixture(t)
	token := f.login(t)

	rr := f.do(t, http.MethodGet, "/api/v1/stats", "", token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		TotalAccounts  int            `json:"total_accounts"`
		EventsByStatus map[string]int `json:"events_by_status"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.TotalAccounts != 3 {
		t.Errorf("expected 3 accounts, got %d", resp.TotalAccounts)
	}
	if resp.EventsByStatus["processed"] != 2 {
		t.Errorf("expected 2 processed events, got %v", resp.EventsByStatus)
	}
}

func TestAdminEvents(t *testing.T) {
	f := newAdminFixture(t)
	token := f.login(t)

	ev := model.NewInboundEvent("tx-1", "jane@example.com", []byte(`{"transaction_id":"tx-1"}`), model.EventStatusError)
	detail := "mapping missing"
	ev.ErrorDetail = &detail
	ev.Attempts = 2
	f.events.add(ev)

	t.Run("get exposes the raw payload and attempt bookkeeping", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/api/v1/events/"+ev.ID, "", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var view struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Attempts int    `json:"attempts"`
			Payload  string `json:"payload"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if view.ID != ev.ID || view.Status != "error" || view.Attempts != 2 {
			t.Errorf("unexpected view: %+v", view)
		}
		if view.Payload != `{"transaction_id":"tx-1"}` {
			t.Errorf("expected raw payload passed through, got %q", view.Payload)
		}
	})

	t.Run("list filters by status", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/api/v1/events/?status=error", "", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode list: %v", err)
		}
		if len(resp.Data) != 1 {
			t.Errorf("expected 1 errored event, got %d", len(resp.Data))
		}
	})

	t.Run("requeue is accepted", func(t *testing.T) {
		rr := f.do(t, http.MethodPost, "/api/v1/events/"+ev.ID+"/requeue", "", token)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
		if len(f.rec.requeued) != 1 || f.rec.requeued[0] != ev.ID {
			t.Errorf("expected requeue of %s, got %v", ev.ID, f.rec.requeued)
		}
	})

	t.Run("requeue of an unknown event is 404", func(t *testing.T) {
		f.rec.requeueErr = domain.ErrNotFound
		defer func() { f.rec.requeueErr = nil }()
		if rr := f.do(t, http.MethodPost, "/api/v1/events/nope/requeue", "", token); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("requeue of an in-flight event is a conflict", func(t *testing.T) {
		f.rec.requeueErr = domain.ErrInvalidArgument
		defer func() { f.rec.requeueErr = nil }()
		if rr := f.do(t, http.MethodPost, "/api/v1/events/"+ev.ID+"/requeue", "", token); rr.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rr.Code)
		}
	})
}

func TestAdminMappings(t *testing.T) {
	f := newAdminFixture(t)
	token := f.login(t)

	t.Run("create, fetch, update, delete", func(t *testing.T) {
		body := `{"product_id":"prod-1","offer_id":"offer-1","plan_code":"premium-30","tier":"premium","duration_days":30}`
		rr := f.do(t, http.MethodPost, "/api/v1/mappings/", body, token)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var created model.PlanMapping
		if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode created mapping: %v", err)
		}

		rr = f.do(t, http.MethodGet, "/api/v1/mappings/"+created.ID, "", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 on get, got %d", rr.Code)
		}

		update := `{"product_id":"prod-1","offer_id":"offer-1","plan_code":"premium-90","tier":"premium","duration_days":90}`
		rr = f.do(t, http.MethodPut, "/api/v1/mappings/"+created.ID, update, token)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200 on update, got %d: %s", rr.Code, rr.Body.String())
		}
		var updated model.PlanMapping
		if err := json.Unmarshal(rr.Body.Bytes(), &updated); err != nil {
			t.Fatalf("decode updated mapping: %v", err)
		}
		if updated.PlanCode != "premium-90" {
			t.Errorf("expected plan code updated, got %s", updated.PlanCode)
		}

		rr = f.do(t, http.MethodDelete, "/api/v1/mappings/"+created.ID, "", token)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204 on delete, got %d", rr.Code)
		}
		if rr := f.do(t, http.MethodGet, "/api/v1/mappings/"+created.ID, "", token); rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", rr.Code)
		}
	})

	t.Run("lifetime mapping accepts a null duration", func(t *testing.T) {
		body := `{"product_id":"prod-2","plan_code":"premium-lifetime","tier":"premium","duration_days":null}`
		rr := f.do(t, http.MethodPost, "/api/v1/mappings/", body, token)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var created model.PlanMapping
		if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
			t.Fatalf("decode created mapping: %v", err)
		}
		if created.DurationDays != nil {
			t.Error("expected nil duration for lifetime plan")
		}
	})

	t.Run("invalid mapping is a bad request", func(t *testing.T) {
		body := `{"product_id":"","plan_code":"premium-30","tier":"premium","duration_days":30}`
		if rr := f.do(t, http.MethodPost, "/api/v1/mappings/", body, token); rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})
}
