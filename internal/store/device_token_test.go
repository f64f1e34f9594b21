package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dukerupert/eventful/internal/database"
	"github.com/dukerupert/eventful/internal/model"
)

func setupDeviceTokenTestDB(t *testing.T) *DeviceTokenStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDeviceTokenStore(db)
}

func TestRegisterDeviceToken(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	dt, err := ds.Register(ctx, model.DeviceToken{Token: "fcm-1", Channel: model.ChannelAndroid, UserID: "alice", DeviceName: "Pixel"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if dt.ID == "" {
		t.Error("expected non-empty ID")
	}
	if dt.UserID != "alice" {
		t.Errorf("user = %q, want alice", dt.UserID)
	}
	if dt.Channel != model.ChannelAndroid {
		t.Errorf("channel = %q, want android", dt.Channel)
	}
}

func TestRegisterDeviceTokenValidation(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	if _, err := ds.Register(ctx, model.DeviceToken{Token: "", Channel: model.ChannelIOS, UserID: "alice"}); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := ds.Register(ctx, model.DeviceToken{Token: "t", Channel: "pager", UserID: "alice"}); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestRegisterDeviceTokenRebinds(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	first, _ := ds.Register(ctx, model.DeviceToken{Token: "shared", Channel: model.ChannelIOS, UserID: "alice"})
	second, err := ds.Register(ctx, model.DeviceToken{Token: "shared", Channel: model.ChannelIOS, UserID: "bob"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same row on rebind, got %q != %q", second.ID, first.ID)
	}

	aliceTokens, _ := ds.TokensOf(ctx, "alice")
	if len(aliceTokens) != 0 {
		t.Errorf("alice tokens = %d, want 0", len(aliceTokens))
	}
	bobTokens, _ := ds.TokensOf(ctx, "bob")
	if len(bobTokens) != 1 || bobTokens[0].Token != "shared" {
		t.Errorf("bob tokens = %+v, want [shared]", bobTokens)
	}
}

func TestTokensOf(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	ds.Register(ctx, model.DeviceToken{Token: "https://push.example.com/1", Channel: model.ChannelWeb, UserID: "alice", P256dhKey: "k", AuthKey: "a"})
	ds.Register(ctx, model.DeviceToken{Token: "ExponentPushToken[x]", Channel: model.ChannelExpo, UserID: "alice"})
	ds.Register(ctx, model.DeviceToken{Token: "other", Channel: model.ChannelAndroid, UserID: "bob"})

	tokens, err := ds.TokensOf(ctx, "alice")
	if err != nil {
		t.Fatalf("tokens of: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len = %d, want 2", len(tokens))
	}
	if tokens[0].P256dhKey != "k" || tokens[0].AuthKey != "a" {
		t.Errorf("web push keys not stored: %+v", tokens[0])
	}

	none, err := ds.TokensOf(ctx, "nobody")
	if err != nil {
		t.Fatalf("tokens of unknown user: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no tokens, got %d", len(none))
	}
}

func TestPruneDeviceToken(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	ds.Register(ctx, model.DeviceToken{Token: "dead", Channel: model.ChannelAndroid, UserID: "alice"})

	if err := ds.Prune(ctx, "dead"); err != nil {
		t.Fatalf("prune: %v", err)
	}
	got, _ := ds.GetByToken(ctx, "dead")
	if got != nil {
		t.Error("expected token to be pruned")
	}

	// Pruning an unknown token is not an error
	if err := ds.Prune(ctx, "dead"); err != nil {
		t.Fatalf("prune again: %v", err)
	}
}

func TestUnregisterDeviceTokenOwnerOnly(t *testing.T) {
	ds := setupDeviceTokenTestDB(t)
	ctx := context.Background()

	ds.Register(ctx, model.DeviceToken{Token: "mine", Channel: model.ChannelIOS, UserID: "alice"})

	removed, err := ds.Unregister(ctx, "bob", "mine")
	if err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if removed {
		t.Error("bob must not remove alice's token")
	}

	removed, _ = ds.Unregister(ctx, "alice", "mine")
	if !removed {
		t.Error("expected owner to remove the token")
	}
}

func TestPruneDeviceTokenDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM device_tokens").WithArgs("t1").WillReturnError(errors.New("disk I/O error"))

	ds := NewDeviceTokenStore(db)
	if err := ds.Prune(context.Background(), "t1"); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
