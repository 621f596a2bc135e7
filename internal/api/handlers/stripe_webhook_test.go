package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"billingengine/internal/external"
	"billingengine/internal/types"
	"billingengine/internal/webhook"
)

const testSecret = "whsec_handler_test"

func signedRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func serveWebhook(h *StripeWebhookHandler, req *http.Request) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

type failureBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func TestStripeWebhook_AcknowledgesProcessedEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.payment_succeeded","created":1767225600,"data":{"object":{"id":"in_1","status":"paid"}}}`)
	proc := &mockEventProcessor{processFn: func(ctx context.Context, evt *external.Event) (*webhook.Result, error) {
		return &webhook.Result{EventID: evt.ID, Message: webhook.MessageProcessed, Data: map[string]any{"plan": "starter"}}, nil
	}}
	h := NewStripeWebhookHandler(external.NewStripeVerifier(testSecret), proc, 0, nil)

	rr := serveWebhook(h, signedRequest(t, payload, testSecret))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var ack webhookAck
	decodeBody(t, rr, &ack)
	if !ack.Success || ack.EventID != "evt_1" || ack.Message != webhook.MessageProcessed {
		t.Errorf("unexpected ack: %+v", ack)
	}
	if ack.Data["plan"] != "starter" {
		t.Errorf("expected data to be passed through, got %v", ack.Data)
	}
	if len(proc.events) != 1 || proc.events[0].Type != external.EventInvoicePaymentSucceeded {
		t.Errorf("expected one verified event handed to the processor, got %+v", proc.events)
	}
}

func TestStripeWebhook_BadSignatureIs400AndNotProcessed(t *testing.T) {
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	proc := &mockEventProcessor{processFn: func(context.Context, *external.Event) (*webhook.Result, error) {
		t.Fatal("processor must not run for an unverified body")
		return nil, nil
	}}
	h := NewStripeWebhookHandler(external.NewStripeVerifier(testSecret), proc, 0, nil)

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"wrong secret", signedRequest(t, payload, "whsec_other")},
		{"missing header", httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serveWebhook(h, tt.req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			var body failureBody
			decodeBody(t, rr, &body)
			if body.Success || body.Error.Code != string(types.ErrCodeValidationWebhookSignature) {
				t.Errorf("unexpected body: %+v", body)
			}
		})
	}
}

func TestStripeWebhook_ProcessorErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed object", types.NewAppError(types.ErrCodeValidationWebhookPayload, "bad", nil), http.StatusBadRequest, string(types.ErrCodeValidationWebhookPayload)},
		{"store failure", types.NewAppError(types.ErrCodeInternalDB, "db", nil), http.StatusInternalServerError, string(types.ErrCodeInternalDB)},
		{"in flight", types.NewAppError(types.ErrCodeInternalEventInFlight, "busy", nil), http.StatusInternalServerError, string(types.ErrCodeInternalEventInFlight)},
		{"processor down", types.NewAppError(types.ErrCodeUpstreamStripe, "down", nil), http.StatusInternalServerError, string(types.ErrCodeUpstreamStripe)},
		{"identity re-keyed mid-event", types.NewAppError(types.ErrCodeNotFoundIdentity, "gone", nil), http.StatusInternalServerError, string(types.ErrCodeNotFoundIdentity)},
		{"email conflict", types.NewAppError(types.ErrCodeConflictEmail, "taken", nil), http.StatusInternalServerError, string(types.ErrCodeConflictEmail)},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, string(types.ErrCodeInternalUnexpected)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := &mockVerifier{verifyFn: func([]byte, string) (*external.Event, error) {
				return &external.Event{ID: "evt_x", Type: external.EventSubscriptionUpdated}, nil
			}}
			proc := &mockEventProcessor{processFn: func(context.Context, *external.Event) (*webhook.Result, error) {
				return nil, tt.err
			}}
			h := NewStripeWebhookHandler(verifier, proc, 0, nil)

			req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
			req.Header.Set("Stripe-Signature", "t=1,v1=x")
			rr := serveWebhook(h, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rr.Code)
			}
			var body failureBody
			decodeBody(t, rr, &body)
			if body.Success || body.Error.Code != tt.wantCode {
				t.Errorf("unexpected body: %+v", body)
			}
		})
	}
}

func TestStripeWebhook_PassesRawBodyToVerifier(t *testing.T) {
	raw := "{ \"id\" : \"evt_ws\" }\n"
	var seen []byte
	verifier := &mockVerifier{verifyFn: func(payload []byte, header string) (*external.Event, error) {
		seen = payload
		return &external.Event{ID: "evt_ws", Type: "ping"}, nil
	}}
	proc := &mockEventProcessor{processFn: func(_ context.Context, evt *external.Event) (*webhook.Result, error) {
		return &webhook.Result{EventID: evt.ID, Message: webhook.MessageIgnored}, nil
	}}
	h := NewStripeWebhookHandler(verifier, proc, 0, nil)

	rr := serveWebhook(h, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(raw)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if string(seen) != raw {
		t.Errorf("verifier must see the untouched body, got %q", seen)
	}
}

func TestStripeWebhook_OversizedBodyRejected(t *testing.T) {
	verifier := &mockVerifier{verifyFn: func([]byte, string) (*external.Event, error) {
		t.Fatal("verifier must not run for an oversized body")
		return nil, nil
	}}
	h := NewStripeWebhookHandler(verifier, &mockEventProcessor{}, 16, nil)

	body, _ := json.Marshal(map[string]string{"padding": strings.Repeat("x", 64)})
	rr := serveWebhook(h, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body)))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var fb failureBody
	decodeBody(t, rr, &fb)
	if fb.Error.Code != string(types.ErrCodeValidationWebhookPayload) {
		t.Errorf("unexpected code %s", fb.Error.Code)
	}
}
