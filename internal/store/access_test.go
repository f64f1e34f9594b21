package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/eventful/internal/database"
	"github.com/dukerupert/eventful/internal/model"
)

func setupAccessTestDB(t *testing.T) (*AccessStore, *InviteLinkStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAccessStore(db), NewInviteLinkStore(db)
}

func TestAccessGetMissing(t *testing.T) {
	as, _ := setupAccessTestDB(t)

	a, err := as.Get(context.Background(), "bob", model.RefModelEvents, "e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil, got %+v", a)
	}
}

func TestAccessUpsert(t *testing.T) {
	as, _ := setupAccessTestDB(t)
	ctx := context.Background()

	created, err := as.Upsert(ctx, model.Access{UserID: "bob", RefModel: model.RefModelEvents, Ref: "e1", CanView: true, CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created.CanView || created.CanEdit {
		t.Errorf("flags = %+v, want view only", created)
	}
	if created.CreatedBy != "alice" {
		t.Errorf("created_by = %q, want alice", created.CreatedBy)
	}

	updated, err := as.Upsert(ctx, model.Access{UserID: "bob", RefModel: model.RefModelEvents, Ref: "e1", CanView: true, CanEdit: true, CreatedBy: "carol"})
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if updated.ID != created.ID {
		t.Errorf("expected same record, got %q != %q", updated.ID, created.ID)
	}
	if !updated.CanEdit {
		t.Error("expected can_edit after update")
	}
	if updated.CreatedBy != "alice" {
		t.Errorf("created_by changed to %q", updated.CreatedBy)
	}
}

func TestAccessMarkRemovedKeepsFlags(t *testing.T) {
	as, _ := setupAccessTestDB(t)
	ctx := context.Background()

	as.Upsert(ctx, model.Access{UserID: "carol", RefModel: model.RefModelEvents, Ref: "e1", CanView: true, CanEdit: true})

	ok, err := as.MarkRemoved(ctx, "carol", model.RefModelEvents, "e1")
	if err != nil {
		t.Fatalf("mark removed: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}

	a, _ := as.Get(ctx, "carol", model.RefModelEvents, "e1")
	if !a.IsRemoved {
		t.Error("expected is_removed")
	}
	if !a.CanEdit {
		t.Error("stored flags should be left as they were")
	}

	ok, _ = as.MarkRemoved(ctx, "nobody", model.RefModelEvents, "e1")
	if ok {
		t.Error("expected false for missing record")
	}
}

func TestAccessListByResource(t *testing.T) {
	as, _ := setupAccessTestDB(t)
	ctx := context.Background()

	as.Upsert(ctx, model.Access{UserID: "bob", RefModel: model.RefModelTags, Ref: "t1", CanView: true})
	as.Upsert(ctx, model.Access{UserID: "carol", RefModel: model.RefModelTags, Ref: "t1", IsRemoved: true})
	as.Upsert(ctx, model.Access{UserID: "bob", RefModel: model.RefModelTags, Ref: "t2", CanView: true})

	list, err := as.ListByResource(ctx, model.RefModelTags, "t1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("len = %d, want 2", len(list))
	}
}

func TestInviteLinkCreateAndGet(t *testing.T) {
	_, ls := setupAccessTestDB(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	created, err := ls.Create(ctx, "digest-1", model.RefModelTags, "t1", "alice", expires)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.RefModel != model.RefModelTags || created.Ref != "t1" {
		t.Errorf("resource = %s/%s", created.RefModel, created.Ref)
	}

	got, err := ls.GetByDigest(ctx, "digest-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != created.ID {
		t.Fatalf("got %+v, want %+v", got, created)
	}
	if !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, expires)
	}

	missing, err := ls.GetByDigest(ctx, "nope")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown digest")
	}
}

func TestInviteLinkExpiredIsKept(t *testing.T) {
	_, ls := setupAccessTestDB(t)
	ctx := context.Background()

	ls.Create(ctx, "old", model.RefModelEvents, "e1", "alice", time.Now().UTC().Add(-time.Hour))

	got, _ := ls.GetByDigest(ctx, "old")
	if got == nil {
		t.Fatal("expired link should still be stored")
	}
	if !got.ExpiredAt(time.Now()) {
		t.Error("expected link to be expired")
	}
}
