package types

import (
	"time"
)

// Identity is a local user account, distinct from the processor's customer object.
type Identity struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	PlanType            PlanType   `json:"plan_type"`
	ProcessorCustomerID *string    `json:"processor_customer_id,omitempty"`
	CredentialHash      *string    `json:"-"`
	CredentialExpiresAt *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// NewIdentity carries the fields needed to provision an identity together with
// its free-tier subscription and credit rows.
type NewIdentity struct {
	ID                  string
	Email               string
	ProcessorCustomerID *string
	CredentialHash      *string
	CredentialExpiresAt *time.Time
	FreeCredits         int
	CreditsResetAt      time.Time
}

// SubscriptionRecord is the one-per-identity mirror of the processor subscription.
type SubscriptionRecord struct {
	IdentityID              string             `json:"identity_id"`
	ProcessorCustomerID     *string            `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID *string            `json:"processor_subscription_id,omitempty"`
	PriceID                 *string            `json:"price_id,omitempty"`
	Status                  SubscriptionStatus `json:"status"`
	CurrentPeriodStart      *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	LastSyncedAt            *time.Time         `json:"last_synced_at,omitempty"`
}

// SubscriptionSync is a partial update applied to a SubscriptionRecord from a
// processor event or reconciliation fetch. Nil fields are left unchanged.
type SubscriptionSync struct {
	ProcessorCustomerID     *string
	ProcessorSubscriptionID *string
	PriceID                 *string
	Status                  SubscriptionStatus
	CurrentPeriodStart      *time.Time
	CurrentPeriodEnd        *time.Time
	CancelAtPeriodEnd       *bool
}

// CreditBalance is the per-identity ledger row.
type CreditBalance struct {
	IdentityID       string    `json:"identity_id"`
	PlanCredits      int       `json:"plan_credits"`
	CreditsUsed      int       `json:"credits_used"`
	CreditsAvailable int       `json:"credits_available"`
	CreditsResetAt   time.Time `json:"credits_reset_at"`
	Unlimited        bool      `json:"unlimited"`
}

// ExpiredBalance identifies a balance due for its monthly renewal.
type ExpiredBalance struct {
	IdentityID string
	PlanType   PlanType
}

// ConsumeResult is returned by the consume_credits procedure.
type ConsumeResult struct {
	Success   bool
	Remaining int
	Used      int
	Total     int
	Unlimited bool
}

// SubscriptionState is the composed read model served by the state cache.
// The view path and the manual-join fallback both produce this exact shape.
type SubscriptionState struct {
	IdentityID              string             `json:"identity_id"`
	Email                   string             `json:"email"`
	PlanType                PlanType           `json:"plan_type"`
	ProcessorCustomerID     *string            `json:"processor_customer_id,omitempty"`
	ProcessorSubscriptionID *string            `json:"processor_subscription_id,omitempty"`
	PriceID                 *string            `json:"price_id,omitempty"`
	Status                  SubscriptionStatus `json:"status"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd       bool               `json:"cancel_at_period_end"`
	PlanCredits             int                `json:"plan_credits"`
	CreditsUsed             int                `json:"credits_used"`
	CreditsAvailable        int                `json:"credits_available"`
	CreditsResetAt          time.Time          `json:"credits_reset_at"`
	Unlimited               bool               `json:"unlimited"`
	Features                FeatureFlags       `json:"features"`
}

// PlanFeatureRow is a persisted plan_features row.
type PlanFeatureRow struct {
	PlanType       PlanType
	MonthlyCredits int
	Unlimited      bool
	Features       FeatureFlags
}

// UsagePeriod is a monthly_usage row.
type UsagePeriod struct {
	Period          string    `json:"period"`
	CreditsConsumed int       `json:"credits_consumed"`
	ConsumeCalls    int       `json:"consume_calls"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WebhookEventRecord is a row of the processed-event ledger.
type WebhookEventRecord struct {
	EventID     string
	EventType   string
	Status      WebhookEventStatus
	Attempts    int
	LockedUntil *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
}

// UsagePeriodKey formats t as the monthly_usage period key (YYYY-MM, UTC).
func UsagePeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
