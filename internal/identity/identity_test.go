package identity

import (
	"context"
	"testing"
)

func TestFromContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no caller in empty context")
	}
	if _, ok := FromContext(WithCaller(context.Background(), Caller{UserID: "  "})); ok {
		t.Fatalf("expected blank user id to be rejected")
	}
	c, ok := FromContext(WithCaller(context.Background(), Caller{UserID: "u1"}))
	if !ok || c.UserID != "u1" {
		t.Fatalf("unexpected caller %+v ok=%v", c, ok)
	}
}
