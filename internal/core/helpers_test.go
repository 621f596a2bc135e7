package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"billingengine/internal/config"
	"billingengine/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{}, testLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// stubAuthenticator resolves every token to Actor, or fails with Err.
type stubAuthenticator struct {
	Actor *types.Actor
	Err   error

	mu    sync.Mutex
	Calls []string
}

func (s *stubAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, token)
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Actor, nil
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not an error envelope: %v (%s)", err, rec.Body.String())
	}
	return resp.Error
}
