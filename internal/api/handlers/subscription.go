package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/core"
	"billingengine/internal/subscription"
	"billingengine/internal/types"
)

// FeatureResponse is the response of GET /v1/features/{feature}.
type FeatureResponse struct {
	Feature types.Feature  `json:"feature"`
	Allowed bool           `json:"allowed"`
	Plan    types.PlanType `json:"plan"`
}

// SubscriptionHandler exposes the derived billing state.
type SubscriptionHandler struct {
	states StateReader
	logger *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(states StateReader, l *slog.Logger) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SubscriptionHandler{states: states, logger: l}
}

// RegisterRoutes mounts the state endpoints on the authenticated router.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/subscription", h.GetSubscription)
	r.Get("/features/{feature}", h.GetFeature)
}

// GetSubscription handles GET /v1/subscription.
func (h *SubscriptionHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}
	state, err := h.states.GetState(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, state)
}

// GetFeature handles GET /v1/features/{feature}. Unknown feature names are
// reported as not allowed.
func (h *SubscriptionHandler) GetFeature(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}
	feature := types.Feature(chi.URLParam(r, "feature"))

	state, err := h.states.GetState(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, FeatureResponse{
		Feature: feature,
		Allowed: subscription.CanUseFeature(state, feature),
		Plan:    state.PlanType,
	})
}
