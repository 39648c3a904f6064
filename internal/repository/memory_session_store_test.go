package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/clarivex/internal/model"
)

func newTestSession(id string, expiresAt time.Time) *model.Session {
	return &model.Session{
		ID: id,
		Identity: model.Identity{
			ExternalID:    "123",
			Username:      "alice",
			Discriminator: "0001",
			Avatar:        "abc",
		},
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
}

func TestMemorySessionStore_CreateAndFind(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestSession("s1", time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Identity.ExternalID != "123" {
		t.Errorf("ExternalID = %q, want %q", got.Identity.ExternalID, "123")
	}
}

func TestMemorySessionStore_FindByID_NotFound_ReturnsNil(t *testing.T) {
	store := NewMemorySessionStore()

	got, err := store.FindByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestMemorySessionStore_FindByID_Expired_ReturnsNil(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	store.Create(ctx, newTestSession("s1", now))

	got, err := store.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got != nil {
		t.Error("expired session should not be returned")
	}
}

func TestMemorySessionStore_FindByID_ReturnsCopy(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	store.Create(ctx, newTestSession("s1", time.Now().Add(time.Hour)))

	got, _ := store.FindByID(ctx, "s1")
	got.Identity.ExternalID = "tampered"

	again, _ := store.FindByID(ctx, "s1")
	if again.Identity.ExternalID != "123" {
		t.Errorf("stored identity was modified: %q", again.Identity.ExternalID)
	}
}

func TestMemorySessionStore_DeleteByID(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	store.Create(ctx, newTestSession("s1", time.Now().Add(time.Hour)))

	if err := store.DeleteByID(ctx, "s1"); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}
	got, _ := store.FindByID(ctx, "s1")
	if got != nil {
		t.Error("session should be deleted")
	}

	// 存在しないIDの削除はエラーにならない
	if err := store.DeleteByID(ctx, "s1"); err != nil {
		t.Errorf("DeleteByID() on missing id error = %v", err)
	}
}

func TestMemorySessionStore_DeleteExpired(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	now := time.Now()

	store.Create(ctx, newTestSession("expired-1", now.Add(-time.Minute)))
	store.Create(ctx, newTestSession("expired-2", now))
	store.Create(ctx, newTestSession("alive", now.Add(time.Hour)))

	deleted, err := store.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemorySessionStore_ConcurrentAccess(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i)
			store.Create(ctx, newTestSession(id, time.Now().Add(time.Hour)))
			if got, _ := store.FindByID(ctx, id); got == nil {
				t.Errorf("session %s not found", id)
			}
			if i%2 == 0 {
				store.DeleteByID(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != 25 {
		t.Errorf("Len() = %d, want 25", store.Len())
	}
}
