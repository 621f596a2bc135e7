package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/billing"
	"billingengine/internal/core"
	"billingengine/internal/types"
)

const (
	defaultUsageMonths = 6
	maxUsageMonths     = 24
)

// CreditSpender consumes credits and reports usage. Implemented by
// billing.Ledger.
type CreditSpender interface {
	HasCredits(ctx context.Context, identityID string, amount int) (bool, error)
	Consume(ctx context.Context, identityID string, amount int) (*billing.ConsumeOutcome, error)
	Usage(ctx context.Context, identityID string, months int) ([]types.UsagePeriod, error)
}

// ConsumeRequest is the body of POST /v1/credits/consume.
type ConsumeRequest struct {
	Amount int `json:"amount" validate:"gt=0"`
}

// CreditsResponse is the response of GET /v1/credits.
type CreditsResponse struct {
	Available int       `json:"available"`
	Used      int       `json:"used"`
	Total     int       `json:"total"`
	ResetAt   time.Time `json:"resetAt"`
	Unlimited bool      `json:"unlimited"`
}

// ConsumeResponse is the response of POST /v1/credits/consume.
type ConsumeResponse struct {
	Consumed  int  `json:"consumed"`
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// CheckResponse is the response of GET /v1/credits/check.
type CheckResponse struct {
	Amount  int  `json:"amount"`
	Allowed bool `json:"allowed"`
}

// UsageResponse is the response of GET /v1/usage, newest period first.
type UsageResponse struct {
	Periods []types.UsagePeriod `json:"periods"`
}

// CreditsHandler serves the credit balance and consumption endpoints.
type CreditsHandler struct {
	states    StateReader
	ledger    CreditSpender
	validator *core.Validator
	logger    *slog.Logger
}

// NewCreditsHandler creates a CreditsHandler.
func NewCreditsHandler(states StateReader, ledger CreditSpender, v *core.Validator, l *slog.Logger) *CreditsHandler {
	if l == nil {
		l = slog.Default()
	}
	return &CreditsHandler{states: states, ledger: ledger, validator: v, logger: l}
}

// RegisterRoutes mounts the credit endpoints on the authenticated router.
func (h *CreditsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/credits", h.GetCredits)
	r.Get("/credits/check", h.Check)
	r.Post("/credits/consume", h.Consume)
	r.Get("/usage", h.GetUsage)
}

// GetCredits handles GET /v1/credits. The balance is read through the state
// cache, which creates a free identity on first sight.
func (h *CreditsHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	state, err := h.states.GetState(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, CreditsResponse{
		Available: state.CreditsAvailable,
		Used:      state.CreditsUsed,
		Total:     state.PlanCredits,
		ResetAt:   state.CreditsResetAt,
		Unlimited: state.Unlimited,
	})
}

// Consume handles POST /v1/credits/consume. A short balance answers 402 with
// the balance figures and an upgrade link in the error details.
func (h *CreditsHandler) Consume(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	var req ConsumeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	// Make sure the identity and its balance exist before the first debit.
	if _, err := h.states.GetState(r.Context(), actor.ID); err != nil {
		core.Error(w, r, err)
		return
	}

	out, err := h.ledger.Consume(r.Context(), actor.ID, req.Amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ConsumeResponse{
		Consumed:  out.Consumed,
		Remaining: out.Remaining,
		Unlimited: out.Unlimited,
	})
}

// Check handles GET /v1/credits/check?amount=N (default 1). It lets callers
// skip expensive work they could not pay for; Consume still decides.
func (h *CreditsHandler) Check(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	amount := 1
	if raw := r.URL.Query().Get("amount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
				"amount must be a positive integer", err, map[string]any{"amount": raw}))
			return
		}
		amount = n
	}

	if _, err := h.states.GetState(r.Context(), actor.ID); err != nil {
		core.Error(w, r, err)
		return
	}
	allowed, err := h.ledger.HasCredits(r.Context(), actor.ID, amount)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, CheckResponse{Amount: amount, Allowed: allowed})
}

// GetUsage handles GET /v1/usage?months=N.
func (h *CreditsHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	months := defaultUsageMonths
	if raw := r.URL.Query().Get("months"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxUsageMonths {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAmount,
				"months must be between 1 and 24", err, map[string]any{"months": raw}))
			return
		}
		months = n
	}

	periods, err := h.ledger.Usage(r.Context(), actor.ID, months)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if periods == nil {
		periods = []types.UsagePeriod{}
	}
	core.JSON(w, r, http.StatusOK, UsageResponse{Periods: periods})
}
