package types

import "time"

// CredentialMessage is the SQS payload carrying a one-time credential to the
// email worker. The plaintext credential only ever exists in this message and
// in the outbound email; it must never be logged.
type CredentialMessage struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expires_at"`
	PlanType   PlanType  `json:"plan_type"`
	// EventID is the processor event that triggered provisioning.
	EventID string `json:"event_id,omitempty"`
}
