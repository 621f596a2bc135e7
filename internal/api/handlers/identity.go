package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/core"
	"billingengine/internal/types"
)

// IdentityClaimer hands a provisioned identity over to a signed-in subject.
// Implemented by identity.ClaimService.
type IdentityClaimer interface {
	Claim(ctx context.Context, actor types.Actor, email, credential string) (*types.Identity, error)
}

// ClaimRequest is the body of POST /v1/identity/claim.
type ClaimRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Credential string `json:"credential" validate:"required"`
}

// IdentityHandler serves identity endpoints.
type IdentityHandler struct {
	claims    IdentityClaimer
	validator *core.Validator
	logger    *slog.Logger
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(claims IdentityClaimer, v *core.Validator, l *slog.Logger) *IdentityHandler {
	if l == nil {
		l = slog.Default()
	}
	return &IdentityHandler{claims: claims, validator: v, logger: l}
}

// RegisterRoutes mounts the identity endpoints on the authenticated router.
func (h *IdentityHandler) RegisterRoutes(r chi.Router) {
	r.Post("/identity/claim", h.Claim)
}

// Claim handles POST /v1/identity/claim with the email and credential that
// were mailed when a payment provisioned the identity.
func (h *IdentityHandler) Claim(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.RequireActor(w, r)
	if !ok {
		return
	}

	var req ClaimRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	ident, err := h.claims.Claim(r.Context(), actor, req.Email, req.Credential)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ident)
}
