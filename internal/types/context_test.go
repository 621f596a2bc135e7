package types

import (
	"context"
	"testing"
)

func TestWithActor_GetActor(t *testing.T) {
	t.Run("round-trip stores and retrieves actor", func(t *testing.T) {
		actor := Actor{ID: "auth0|123", Email: "a@example.com", Source: "jwt"}
		ctx := WithActor(context.Background(), actor)
		got, ok := GetActor(ctx)
		if !ok {
			t.Fatal("expected ok to be true, got false")
		}
		if got != actor {
			t.Errorf("got %+v, want %+v", got, actor)
		}
	})

	t.Run("missing actor returns false", func(t *testing.T) {
		_, ok := GetActor(context.Background())
		if ok {
			t.Error("expected ok to be false for empty context")
		}
	})
}

func TestWithRequestID_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc")
	if got := GetRequestID(ctx); got != "req-abc" {
		t.Errorf("GetRequestID = %q, want %q", got, "req-abc")
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID on empty context = %q, want empty", got)
	}
}
