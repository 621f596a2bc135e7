package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billingengine/internal/billing"
	"billingengine/internal/external"
	"billingengine/internal/types"
	"billingengine/internal/webhook"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockStateReader struct {
	getStateFn func(ctx context.Context, identityID string) (*types.SubscriptionState, error)
	calls      []string
}

func (m *mockStateReader) GetState(ctx context.Context, identityID string) (*types.SubscriptionState, error) {
	m.calls = append(m.calls, identityID)
	if m.getStateFn != nil {
		return m.getStateFn(ctx, identityID)
	}
	return testState(identityID), nil
}

type mockSessionCreator struct {
	checkoutFn func(ctx context.Context, req external.CheckoutRequest) (*external.Session, error)
	portalFn   func(ctx context.Context, customerID, returnURL string) (*external.Session, error)
}

func (m *mockSessionCreator) CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (*external.Session, error) {
	if m.checkoutFn != nil {
		return m.checkoutFn(ctx, req)
	}
	return &external.Session{ID: "cs_test", URL: "https://checkout.stripe.com/c/cs_test"}, nil
}

func (m *mockSessionCreator) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*external.Session, error) {
	if m.portalFn != nil {
		return m.portalFn(ctx, customerID, returnURL)
	}
	return &external.Session{ID: "bps_test", URL: "https://billing.stripe.com/p/bps_test"}, nil
}

type mockPriceLookup map[types.PlanType]string

func (m mockPriceLookup) PriceID(plan types.PlanType) (string, bool) {
	id, ok := m[plan]
	return id, ok
}

type mockCreditSpender struct {
	hasFn     func(ctx context.Context, identityID string, amount int) (bool, error)
	consumeFn func(ctx context.Context, identityID string, amount int) (*billing.ConsumeOutcome, error)
	usageFn   func(ctx context.Context, identityID string, months int) ([]types.UsagePeriod, error)
}

func (m *mockCreditSpender) HasCredits(ctx context.Context, identityID string, amount int) (bool, error) {
	if m.hasFn != nil {
		return m.hasFn(ctx, identityID, amount)
	}
	return amount <= 2, nil
}

func (m *mockCreditSpender) Consume(ctx context.Context, identityID string, amount int) (*billing.ConsumeOutcome, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, identityID, amount)
	}
	return &billing.ConsumeOutcome{Consumed: amount, Remaining: 3 - amount}, nil
}

func (m *mockCreditSpender) Usage(ctx context.Context, identityID string, months int) ([]types.UsagePeriod, error) {
	if m.usageFn != nil {
		return m.usageFn(ctx, identityID, months)
	}
	return nil, nil
}

type mockClaimer struct {
	claimFn func(ctx context.Context, actor types.Actor, email, credential string) (*types.Identity, error)
}

func (m *mockClaimer) Claim(ctx context.Context, actor types.Actor, email, credential string) (*types.Identity, error) {
	return m.claimFn(ctx, actor, email, credential)
}

type mockVerifier struct {
	verifyFn func(payload []byte, header string) (*external.Event, error)
}

func (m *mockVerifier) Verify(payload []byte, header string) (*external.Event, error) {
	return m.verifyFn(payload, header)
}

type mockEventProcessor struct {
	processFn func(ctx context.Context, evt *external.Event) (*webhook.Result, error)
	events    []*external.Event
}

func (m *mockEventProcessor) Process(ctx context.Context, evt *external.Event) (*webhook.Result, error) {
	m.events = append(m.events, evt)
	return m.processFn(ctx, evt)
}

var (
	_ StateReader     = (*mockStateReader)(nil)
	_ SessionCreator  = (*mockSessionCreator)(nil)
	_ PriceLookup     = mockPriceLookup(nil)
	_ CreditSpender   = (*mockCreditSpender)(nil)
	_ IdentityClaimer = (*mockClaimer)(nil)
	_ EventProcessor  = (*mockEventProcessor)(nil)

	_ external.WebhookVerifier = (*mockVerifier)(nil)
)

// =============================================================================
// Test Helpers
// =============================================================================

var testResetAt = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func testState(identityID string) *types.SubscriptionState {
	return &types.SubscriptionState{
		IdentityID:       identityID,
		Email:            identityID + "@example.com",
		PlanType:         types.PlanFree,
		Status:           types.SubStatusActive,
		PlanCredits:      3,
		CreditsUsed:      1,
		CreditsAvailable: 2,
		CreditsResetAt:   testResetAt,
		Features:         types.FeatureFlags{types.FeatureAIGeneration: true},
	}
}

func strPtr(s string) *string { return &s }

// newRequest builds a request carrying an authenticated actor. An empty
// actorID leaves the request anonymous.
func newRequest(t *testing.T, method, target string, body any, actorID string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("failed to encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actorID != "" {
		req = req.WithContext(types.WithActor(req.Context(), types.Actor{ID: actorID, Source: "test"}))
	}
	return req
}

type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
}
