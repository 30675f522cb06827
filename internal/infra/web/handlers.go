package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"marketplace-billing/internal/domain"
	"marketplace-billing/internal/domain/model"
	"marketplace-billing/internal/domain/ports/repository"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ===== Session =====

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(req.Password) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("operator login rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	token, err := s.auth.Mint(w)
	if err != nil {
		http.Error(w, "Failed to start session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.auth.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

// ===== Stats =====

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.statsUC.Totals(r.Context())
	if err != nil {
		http.Error(w, "Failed to get totals", http.StatusInternalServerError)
		return
	}

	response := struct {
		TotalAccounts    int            `json:"total_accounts"`
		EventsByStatus   map[string]int `json:"events_by_status"`
		SubsByStatus     map[string]int `json:"subscriptions_by_status"`
		ActiveSubsByPlan map[string]int `json:"active_subs_by_plan"`
	}{
		TotalAccounts:    totals.Accounts,
		EventsByStatus:   make(map[string]int, len(totals.EventsByStatus)),
		SubsByStatus:     make(map[string]int, len(totals.SubsByStatus)),
		ActiveSubsByPlan: totals.ActiveSubByPlan,
	}
	for k, v := range totals.EventsByStatus {
		response.EventsByStatus[string(k)] = v
	}
	for k, v := range totals.SubsByStatus {
		response.SubsByStatus[string(k)] = v
	}

	writeJSON(w, http.StatusOK, response)
}

// ===== Events (diagnostics) =====

// eventView is the wire shape of a stored event; the raw payload is included
// so an operator can see exactly what the provider sent.
type eventView struct {
	ID            string     `json:"id"`
	ProviderTxID  string     `json:"provider_tx_id,omitempty"`
	Email         string     `json:"email,omitempty"`
	Status        string     `json:"status"`
	ErrorDetail   *string    `json:"error_detail,omitempty"`
	Attempts      int        `json:"attempts"`
	Permanent     bool       `json:"permanent"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Payload       string     `json:"payload"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toEventView(e *model.InboundEvent) *eventView {
	return &eventView{
		ID:            e.ID,
		ProviderTxID:  e.ProviderTxID,
		Email:         e.Email,
		Status:        string(e.Status),
		ErrorDetail:   e.ErrorDetail,
		Attempts:      e.Attempts,
		Permanent:     e.Permanent,
		NextAttemptAt: e.NextAttemptAt,
		Payload:       string(e.Payload),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	status := model.EventStatus(r.URL.Query().Get("status"))

	events, err := s.events.ListByStatus(r.Context(), repository.NoTX, status, offset, limit)
	if err != nil {
		http.Error(w, "Failed to list events", http.StatusInternalServerError)
		return
	}

	views := make([]*eventView, 0, len(events))
	for _, e := range events {
		views = append(views, toEventView(e))
	}
	response := struct {
		Data   []*eventView `json:"data"`
		Limit  int          `json:"limit"`
		Offset int          `json:"offset"`
	}{Data: views, Limit: limit, Offset: offset}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEventGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.events.FindByID(r.Context(), repository.NoTX, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to get event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toEventView(ev))
}

func (s *Server) handleEventRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.reconciler.Requeue(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.NotFound(w, r)
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, "Failed to requeue event", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "event_id": id})
}

// ===== Plan mappings =====

type mappingRequest struct {
	ProductID    string `json:"product_id"`
	OfferID      string `json:"offer_id"`
	PlanCode     string `json:"plan_code"`
	Tier         string `json:"tier"`
	DurationDays *int   `json:"duration_days"` // null means lifetime
	Active       *bool  `json:"active,omitempty"`
}

func (s *Server) handleMappingsList(w http.ResponseWriter, r *http.Request) {
	mappings, err := s.mapUC.List(r.Context())
	if err != nil {
		http.Error(w, "Failed to list mappings", http.StatusInternalServerError)
		return
	}
	response := struct {
		Data []*model.PlanMapping `json:"data"`
	}{Data: mappings}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleMappingCreate(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.mapUC.Create(r.Context(), req.ProductID, req.OfferID, req.PlanCode, model.AccessTier(req.Tier), req.DurationDays)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrAlreadyExists):
			http.Error(w, "Mapping already exists for this product/offer", http.StatusConflict)
		default:
			http.Error(w, "Failed to create mapping", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleMappingGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.mapUC.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to get mapping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMappingUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.mapUC.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to get mapping", http.StatusInternalServerError)
		return
	}

	m.ProductID = req.ProductID
	m.OfferID = req.OfferID
	m.PlanCode = req.PlanCode
	m.Tier = model.AccessTier(req.Tier)
	m.DurationDays = req.DurationDays
	if req.Active != nil {
		m.Active = *req.Active
	}

	if err := s.mapUC.Update(r.Context(), m); err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to update mapping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMappingDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.mapUC.Delete(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to delete mapping", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
