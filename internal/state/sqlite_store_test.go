package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/flitsinc/otomanus/internal/idgen"
	"github.com/flitsinc/otomanus/internal/session"
	"github.com/flitsinc/otomanus/internal/state"
	"github.com/flitsinc/otomanus/internal/testutil"
)

func newSession(t *testing.T, prompt string) *session.Session {
	t.Helper()
	s := session.New("", time.Now(), map[string]any{"source": "test"})
	if _, err := s.AddMessage(session.RoleUser, prompt, nil); err != nil {
		t.Fatalf("add message: %v", err)
	}
	return s
}

func TestSQLiteStoreSaveLoadDelete(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewSQLiteStore(db)
	ctx := context.Background()

	first := newSession(t, "hello")
	second := newSession(t, "weather?")
	for _, s := range []*session.Session{first, second} {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := first.SetStatus(session.StatusProcessing, ""); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := store.Save(ctx, first); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(loaded))
	}
	byID := map[string]*session.Session{}
	for _, s := range loaded {
		byID[s.ID] = s
	}
	if got := byID[first.ID]; got == nil || got.Status != session.StatusProcessing {
		t.Fatalf("expected overwritten status for %s", first.ID)
	}
	if got := byID[second.ID]; got == nil || got.Messages[0].Content != "weather?" {
		t.Fatalf("expected second session content")
	}

	if err := store.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete missing should be a no-op: %v", err)
	}
	loaded, err = store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != second.ID {
		t.Fatalf("expected only second session after delete")
	}
}

func TestSQLiteStoreSkipsCorruptRows(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewSQLiteStore(db)
	ctx := context.Background()

	good := newSession(t, "fine")
	if err := store.Save(ctx, good); err != nil {
		t.Fatalf("save: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(`INSERT INTO sessions (id, status, created_at, updated_at, record) VALUES (?, ?, ?, ?, ?)`,
		idgen.New(), "idle", now, now, `{"id": truncated`)
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	_, err = db.Exec(`INSERT INTO sessions (id, status, created_at, updated_at, record) VALUES (?, ?, ?, ?, ?)`,
		idgen.New(), "idle", now, now, `{"id":"`+idgen.New()+`","created_at":"`+now+`","updated_at":"`+now+`","status":"idle"}`)
	if err != nil {
		t.Fatalf("insert mismatched row: %v", err)
	}

	loaded, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != good.ID {
		t.Fatalf("expected only the good session, got %d", len(loaded))
	}
}

func TestSQLiteStoreSaveWithWriteContention(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := state.NewSQLiteStore(db)
	ctx := context.Background()

	s := newSession(t, "contended")
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	_, err = tx.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC().Format(time.RFC3339Nano), s.ID)
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("lock session row: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = tx.Commit()
	}()

	s.AddFile("report.md")
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save under contention: %v", err)
	}
}

func TestOpenSQLiteStoreInMemory(t *testing.T) {
	store, err := state.OpenSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	s := newSession(t, "memory")
	if err := store.Save(ctx, s); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 session, got %d", len(loaded))
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
