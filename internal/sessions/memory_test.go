package sessions

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	session := &Session{
		ID:        "s1",
		RunnerID:  "r1",
		ChannelID: "chan-1",
		Status:    StatusActive,
		Kind:      "claude",
	}

	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, session); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ChannelID != "chan-1" {
		t.Errorf("ChannelID = %q, want %q", got.ChannelID, "chan-1")
	}

	got.Status = StatusEnded
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	updated, _ := store.Get(ctx, "s1")
	if updated.Status != StatusEnded {
		t.Errorf("Status = %q, want %q", updated.Status, StatusEnded)
	}

	if err := store.Update(ctx, &Session{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreGetByExternal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, &Session{ID: "s1", Kind: "claude", ExternalID: "ext-1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, &Session{ID: "s2", Kind: "codex", ExternalID: "ext-2"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	t.Run("exact kind", func(t *testing.T) {
		got, err := store.GetByExternal(ctx, "claude", "ext-1")
		if err != nil {
			t.Fatalf("GetByExternal() error = %v", err)
		}
		if got.ID != "s1" {
			t.Errorf("ID = %q, want %q", got.ID, "s1")
		}
	})

	t.Run("kind mismatch", func(t *testing.T) {
		if _, err := store.GetByExternal(ctx, "codex", "ext-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})

	t.Run("wildcard kind", func(t *testing.T) {
		got, err := store.GetByExternal(ctx, "", "ext-2")
		if err != nil {
			t.Fatalf("GetByExternal() error = %v", err)
		}
		if got.ID != "s2" {
			t.Errorf("ID = %q, want %q", got.ID, "s2")
		}
	})

	t.Run("empty external id", func(t *testing.T) {
		if _, err := store.GetByExternal(ctx, "claude", ""); !errors.Is(err, ErrNotFound) {
			t.Errorf("error = %v, want ErrNotFound", err)
		}
	})
}

func TestMemoryStoreGetByChannel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, &Session{ID: "s1", ChannelID: "chan-9"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.GetByChannel(ctx, "chan-9")
	if err != nil {
		t.Fatalf("GetByChannel() error = %v", err)
	}
	if got.ID != "s1" {
		t.Errorf("ID = %q, want %q", got.ID, "s1")
	}

	if _, err := store.GetByChannel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreListByRunner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed := []*Session{
		{ID: "s1", RunnerID: "r1", Status: StatusActive},
		{ID: "s2", RunnerID: "r1", Status: StatusEnded},
		{ID: "s3", RunnerID: "r2", Status: StatusActive},
	}
	for _, s := range seed {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("Create(%s) error = %v", s.ID, err)
		}
	}

	all, err := store.ListByRunner(ctx, "r1", false)
	if err != nil {
		t.Fatalf("ListByRunner() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	active, err := store.ListByRunner(ctx, "r1", true)
	if err != nil {
		t.Fatalf("ListByRunner(activeOnly) error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "s1" {
		t.Errorf("active = %+v, want only s1", active)
	}
}

func TestNormalizeSyncState(t *testing.T) {
	cases := map[string]SyncState{
		"running":      SyncRunning,
		"busy":         SyncRunning,
		"working":      SyncRunning,
		"input_needed": SyncInputNeeded,
		"waiting":      SyncInputNeeded,
		"blocked":      SyncInputNeeded,
		"failed":       SyncError,
		"error":        SyncError,
		"idle":         SyncIdle,
		"":             SyncIdle,
		"gibberish":    SyncIdle,
	}
	for raw, want := range cases {
		if got := NormalizeSyncState(raw); got != want {
			t.Errorf("NormalizeSyncState(%q) = %q, want %q", raw, got, want)
		}
	}
}
