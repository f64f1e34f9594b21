package auth

import (
	"context"
	"testing"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ac := AuthContext{
		UserID:    "alice",
		SessionID: "s-1",
	}

	ctx := WithAuth(context.Background(), ac)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", got.UserID)
	}
	if got.SessionID != "s-1" {
		t.Errorf("SessionID = %q, want s-1", got.SessionID)
	}
	if got.Service {
		t.Error("Service = true, want false")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing AuthContext")
	}
}

func TestUserID(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{UserID: "bob"})
	if UserID(ctx) != "bob" {
		t.Errorf("UserID = %q, want bob", UserID(ctx))
	}
}

func TestUserIDMissing(t *testing.T) {
	if UserID(context.Background()) != "" {
		t.Error("expected empty id for missing context")
	}
}

func TestIsService(t *testing.T) {
	if !IsService(WithAuth(context.Background(), AuthContext{Service: true})) {
		t.Error("expected IsService = true")
	}
	if IsService(WithAuth(context.Background(), AuthContext{UserID: "bob"})) {
		t.Error("expected IsService = false for a user")
	}
	if IsService(context.Background()) {
		t.Error("expected IsService = false for missing context")
	}
}
