package core

import (
	"context"
	"time"

	"billingengine/internal/types"
)

// Authenticator decouples the HTTP layer from the token format, allowing for
// easy mocking in tests.
type Authenticator interface {
	// ResolveToken verifies a bearer token and returns the Actor it names.
	// It returns auth_token_invalid for malformed or unverifiable tokens and
	// auth_token_expired for tokens past their expiry.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest is called once per request with the matched route
	// pattern, never the raw path.
	RecordRequest(method, route string, status int, duration time.Duration)
}
