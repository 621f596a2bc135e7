package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"billingengine/internal/types"
)

func routeSubscription(h *SubscriptionHandler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestGetSubscription(t *testing.T) {
	h := NewSubscriptionHandler(&mockStateReader{}, nil)

	rr := routeSubscription(h, newRequest(t, http.MethodGet, "/subscription", nil, "usr_1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var st types.SubscriptionState
	decodeBody(t, rr, &st)
	if st.IdentityID != "usr_1" || st.PlanType != types.PlanFree || st.CreditsAvailable != 2 {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestGetSubscription_StoreError(t *testing.T) {
	states := &mockStateReader{getStateFn: func(context.Context, string) (*types.SubscriptionState, error) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "db down", nil)
	}}
	h := NewSubscriptionHandler(states, nil)

	rr := routeSubscription(h, newRequest(t, http.MethodGet, "/subscription", nil, "usr_1"))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestGetFeature(t *testing.T) {
	h := NewSubscriptionHandler(&mockStateReader{}, nil)

	tests := []struct {
		feature string
		allowed bool
	}{
		{"ai_generation", true},
		{"custom_branding", false},
		{"teleportation", false},
	}
	for _, tt := range tests {
		t.Run(tt.feature, func(t *testing.T) {
			rr := routeSubscription(h, newRequest(t, http.MethodGet, "/features/"+tt.feature, nil, "usr_1"))
			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			var resp FeatureResponse
			decodeBody(t, rr, &resp)
			if string(resp.Feature) != tt.feature || resp.Allowed != tt.allowed || resp.Plan != types.PlanFree {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}
