package types

// PlanType identifies the billing plan an identity is on.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanStarter    PlanType = "starter"
	PlanEnterprise PlanType = "enterprise"
	PlanUnlimited  PlanType = "unlimited"
)

// AllPlans lists every known plan in ascending order of allotment.
var AllPlans = []PlanType{PlanFree, PlanStarter, PlanEnterprise, PlanUnlimited}

// Valid reports whether p is one of the known plans.
func (p PlanType) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanEnterprise, PlanUnlimited:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the processor's subscription lifecycle states.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusPaused            SubscriptionStatus = "paused"
)

// Valid reports whether s is a status the store accepts.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubStatusActive, SubStatusPastDue, SubStatusCanceled, SubStatusIncomplete,
		SubStatusIncompleteExpired, SubStatusTrialing, SubStatusUnpaid, SubStatusPaused:
		return true
	}
	return false
}

// Feature names a gated capability in the plan_features flag block.
type Feature string

const (
	FeatureAIGeneration    Feature = "ai_generation"
	FeatureHTMLExport      Feature = "html_export"
	FeatureCustomBranding  Feature = "custom_branding"
	FeaturePrioritySupport Feature = "priority_support"
	FeatureAPIAccess       Feature = "api_access"
)

// AllFeatures lists every flag a plan row is expected to carry.
var AllFeatures = []Feature{
	FeatureAIGeneration,
	FeatureHTMLExport,
	FeatureCustomBranding,
	FeaturePrioritySupport,
	FeatureAPIAccess,
}

// WebhookEventStatus tracks a processed-event ledger row.
type WebhookEventStatus string

const (
	WebhookEventProcessing WebhookEventStatus = "processing"
	WebhookEventCompleted  WebhookEventStatus = "completed"
)

// ClaimOutcome is the result of trying to claim an inbound event id.
type ClaimOutcome int

const (
	// ClaimAcquired means this delivery owns the event and must process it.
	ClaimAcquired ClaimOutcome = iota
	// ClaimDuplicate means the event already completed.
	ClaimDuplicate
	// ClaimInFlight means another delivery holds a live lease on the event.
	ClaimInFlight
)

func (c ClaimOutcome) String() string {
	switch c {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in_flight"
	}
	return "unknown"
}
