package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/config"
	"billingengine/internal/core"
	"billingengine/internal/external"
	"billingengine/internal/types"
)

// StateReader returns the derived billing state of an identity, creating the
// identity on first sight. Implemented by subscription.Service.
type StateReader interface {
	GetState(ctx context.Context, identityID string) (*types.SubscriptionState, error)
}

// SessionCreator opens hosted processor sessions. Implemented by
// external.StripeClient.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (*external.Session, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*external.Session, error)
}

// PriceLookup maps plans to processor prices. Implemented by billing.Catalog.
type PriceLookup interface {
	PriceID(plan types.PlanType) (string, bool)
}

// CreateCheckoutRequest is the body of POST /v1/billing/checkout. Redirect
// URLs come from configuration, never from the client.
type CreateCheckoutRequest struct {
	Plan types.PlanType `json:"plan" validate:"required,paid_plan"`
}

// SessionResponse carries a hosted session URL.
type SessionResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
}

// BillingHandler starts processor checkouts and portal sessions.
type BillingHandler struct {
	states    StateReader
	sessions  SessionCreator
	prices    PriceLookup
	urls      billingURLs
	validator *core.Validator
	logger    *slog.Logger
}

type billingURLs struct {
	success string
	cancel  string
	portal  string
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	states StateReader,
	sessions SessionCreator,
	prices PriceLookup,
	cfg *config.Config,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}

	var urls billingURLs
	if cfg != nil {
		urls = billingURLs{
			success: cfg.Billing.CheckoutSuccessURL,
			cancel:  cfg.Billing.CheckoutCancelURL,
			portal:  cfg.Billing.PortalReturnURL,
		}
	}

	return &BillingHandler{
		states:    states,
		sessions:  sessions,
		prices:    prices,
		urls:      urls,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the billing endpoints on the authenticated router.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/checkout", h.CreateCheckoutSession)
	r.Post("/billing/portal", h.CreatePortalSession)
}

// CreateCheckoutSession handles POST /v1/billing/checkout.
//
// The identity id is sent as the client reference so the completion event
// can be correlated before the processor customer is linked. An existing
// processor customer is reused.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	priceID, ok := h.prices.PriceID(req.Plan)
	if !ok {
		core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"plan is not purchasable", nil, map[string]any{"plan": req.Plan}))
		return
	}

	state, err := h.states.GetState(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	checkout := external.CheckoutRequest{
		IdentityID: actor.ID,
		Email:      state.Email,
		PriceID:    priceID,
		SuccessURL: h.urls.success,
		CancelURL:  h.urls.cancel,
	}
	if state.ProcessorCustomerID != nil {
		checkout.CustomerID = *state.ProcessorCustomerID
	}

	session, err := h.sessions.CreateCheckoutSession(r.Context(), checkout)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"identity_id", actor.ID,
			"plan", req.Plan,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"identity_id", actor.ID,
		"plan", req.Plan,
		"session_id", session.ID,
	)
	core.JSON(w, r, http.StatusOK, SessionResponse{URL: session.URL, SessionID: session.ID})
}

// CreatePortalSession handles POST /v1/billing/portal. Identities that never
// paid have no processor customer and get a 404.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	state, err := h.states.GetState(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if state.ProcessorCustomerID == nil || *state.ProcessorCustomerID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundCustomer,
			"no billing account exists for this identity", nil))
		return
	}

	session, err := h.sessions.CreatePortalSession(r.Context(), *state.ProcessorCustomerID, h.urls.portal)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			"identity_id", actor.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, SessionResponse{URL: session.URL, SessionID: session.ID})
}
