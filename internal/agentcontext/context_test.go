package agentcontext

import (
	"context"
	"testing"
)

func TestSessionAndRunIDs(t *testing.T) {
	ctx := context.Background()
	if got := SessionIDFromContext(ctx); got != "" {
		t.Fatalf("expected empty session id, got %q", got)
	}
	if WithSessionID(ctx, "") != ctx {
		t.Fatalf("expected empty id to leave ctx untouched")
	}

	ctx = WithRunID(WithSessionID(ctx, "s-1"), "r-1")
	if got := SessionIDFromContext(ctx); got != "s-1" {
		t.Fatalf("session id: got %q", got)
	}
	if got := RunIDFromContext(ctx); got != "r-1" {
		t.Fatalf("run id: got %q", got)
	}
}
