package external

import (
	"context"
)

// PaymentProcessor is the subset of the processor REST API the engine calls.
type PaymentProcessor interface {
	// GetCustomer fetches a processor customer. A deleted or unknown
	// customer returns a not_found_customer error.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// GetSubscription fetches a processor subscription. An unknown
	// subscription returns a not_found_subscription error.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CreateCheckoutSession starts a hosted checkout for one price.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)

	// CreatePortalSession opens the hosted billing portal for a customer.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)
}

// WebhookVerifier checks a processor signature against the exact raw body and
// returns the decoded envelope.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}

// EmailProvider sends a single transactional email through a dynamic template.
type EmailProvider interface {
	// Send returns the provider message id.
	Send(ctx context.Context, msg Email) (string, error)
}

// Processor event types the engine reacts to.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// CheckoutRequest describes a subscription checkout for one identity.
type CheckoutRequest struct {
	IdentityID string
	Email      string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// Session is a hosted checkout or portal session.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Email is a templated message. Data fills the template placeholders.
type Email struct {
	To          string
	FromAddress string
	FromName    string
	// TemplateID selects a dynamic template filled from Data. Without one,
	// Subject and Text are sent as a plain message.
	TemplateID  string
	Data        map[string]any
	Subject     string
	Text        string
	ReferenceID string
}
