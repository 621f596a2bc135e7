package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"billingengine/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements PaymentProcessor with form-encoded calls to the
// Stripe REST API routed through BaseClient. The Stripe-Version header pins
// the API version the installed stripe-go release was built for.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry and breaker
// policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), DefaultBreakerSettings(), "billingengine/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient around a pre-built BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// GetCustomer fetches a customer. Deleted customers are reported as not found.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var w wireCustomer
	if err := s.getJSON(ctx, "GetCustomer", "/v1/customers/"+url.PathEscape(customerID), nil, &w); err != nil {
		return nil, err
	}
	if w.Deleted {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeNotFoundCustomer, "processor customer was deleted", nil,
			map[string]any{"customer_id": customerID})
	}
	return &Customer{ID: w.ID, Email: w.Email, Metadata: w.Metadata}, nil
}

// GetSubscription fetches a subscription.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	resp, err := s.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to read Stripe subscription response", err)
	}
	sub, err := ParseSubscription(raw)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "failed to decode Stripe subscription response", err)
	}
	return sub, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session. The
// identity id travels as client_reference_id so the completion event can be
// correlated without a customer id.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", req.IdentityID)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("line_items[0][price]", req.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("metadata[identity_id]", req.IdentityID)
	params.Set("subscription_data[metadata][identity_id]", req.IdentityID)
	if req.CustomerID != "" {
		params.Set("customer", req.CustomerID)
	} else if req.Email != "" {
		params.Set("customer_email", req.Email)
	}

	var session Session
	if err := s.postJSON(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// CreatePortalSession creates a billing portal session.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session Session
	if err := s.postJSON(ctx, "CreatePortalSession", "/v1/billing_portal/sessions", params, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()
	return s.decode(resp, op, out)
}

func (s *StripeClient) postJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	resp, err := s.do(ctx, http.MethodPost, path, params)
	if err != nil {
		return s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()
	return s.decode(resp, op, out)
}

func (s *StripeClient) decode(resp *http.Response, op string, out any) error {
	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: failed to decode Stripe response", op), err)
	}
	return nil
}

func (s *StripeClient) do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return s.base.Do(req)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and an unreadable body", op, resp.StatusCode), readErr)
	}

	var se stripeErrorResponse
	if err := json.Unmarshal(body, &se); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", op, resp.StatusCode), err)
	}

	msg := se.Error.Message
	switch {
	case se.Error.Code == "card_declined" || se.Error.DeclineCode != "":
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", op, msg), nil,
			map[string]any{"decline_code": se.Error.DeclineCode, "stripe_code": se.Error.Code})
	case resp.StatusCode == http.StatusNotFound:
		code := types.ErrCodeNotFoundCustomer
		if strings.Contains(op, "Subscription") {
			code = types.ErrCodeNotFoundSubscription
		}
		return types.NewAppError(code, fmt.Sprintf("%s: %s", op, msg), nil)
	default:
		s.logger.Warn("stripe request rejected",
			"operation", op,
			"status", resp.StatusCode,
			"stripe_type", se.Error.Type,
			"stripe_code", se.Error.Code,
		)
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", op, resp.StatusCode, msg), nil)
	}
}

func (s *StripeClient) wrapStripeError(op string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", op), err)
}

// ---------------------------------------------------------------------------
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier checks the Stripe-Signature header (HMAC-SHA256 over the
// timestamped raw body, with the default 5 minute tolerance) and decodes the
// envelope. The API version of the event is not checked; the object parsers
// read both field layouts.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier for one endpoint signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

// Verify returns validation_webhook_signature for any signature failure and
// validation_webhook_payload for a correctly signed but unusable body.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if signatureHeader == "" {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookSignature, "missing Stripe-Signature header", nil)
	}
	if err := webhook.ValidatePayload(payload, signatureHeader, v.secret); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookSignature, "invalid webhook signature", err)
	}

	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookPayload, "webhook body is not a valid event", err)
	}
	if evt.ID == "" || evt.Type == "" || evt.Data == nil || len(evt.Data.Raw) == 0 {
		return nil, types.NewAppError(types.ErrCodeValidationWebhookPayload, "webhook envelope is missing id, type or data", nil)
	}
	return &Event{
		ID:       evt.ID,
		Type:     string(evt.Type),
		Created:  time.Unix(evt.Created, 0).UTC(),
		Livemode: evt.Livemode,
		Data:     evt.Data.Raw,
	}, nil
}

var (
	_ PaymentProcessor = (*StripeClient)(nil)
	_ WebhookVerifier  = (*StripeVerifier)(nil)
)
