package config

import "context"

// SecretProvider resolves secret values by path. SSMProvider serves deployed
// environments; EnvVarProvider serves local development and tests.
type SecretProvider interface {
	// GetParametersBatch returns path -> plaintext for every resolved key.
	// Keys that could not be found are omitted or reported as an error.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
