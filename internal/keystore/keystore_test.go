package keystore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/systmms/keylife/internal/logging"
)

func testRecord(id string) KeyRecord {
	return KeyRecord{
		ID:          id,
		SystemName:  "Redis",
		SystemType:  "cache",
		Env:         "prod",
		DisplayName: "Session cache",
		CurrentRef:  "ref-initial",
		State:       StateActive,
		Version:     1,
		CreatedAt:   time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

// contractStores returns every backend that must honor the Store contract.
func contractStores(t *testing.T) map[string]Store {
	t.Helper()
	logger := logging.New(false, true)

	fileStore, err := NewFileStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
	}
}

func TestStoreInsertAndGet(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			rec := testRecord("k1")
			if err := store.Insert(ctx, rec); err != nil {
				t.Fatalf("insert failed: %v", err)
			}

			if err := store.Insert(ctx, rec); !errors.Is(err, ErrDuplicateID) {
				t.Errorf("expected ErrDuplicateID, got %v", err)
			}

			got, err := store.Get(ctx, "k1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got.CurrentRef != "ref-initial" || got.Version != 1 || got.State != StateActive {
				t.Errorf("unexpected record: %+v", got)
			}
		})
	}
}

func TestStoreListInsertionOrder(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, id := range []string{"k3", "k1", "k2"} {
				if err := store.Insert(ctx, testRecord(id)); err != nil {
					t.Fatalf("insert %s failed: %v", id, err)
				}
			}

			// Order must be stable across calls absent mutation.
			for i := 0; i < 2; i++ {
				recs, err := store.List(ctx)
				if err != nil {
					t.Fatalf("list failed: %v", err)
				}
				if len(recs) != 3 {
					t.Fatalf("expected 3 records, got %d", len(recs))
				}
				for j, want := range []string{"k3", "k1", "k2"} {
					if recs[j].ID != want {
						t.Errorf("position %d: expected %s, got %s", j, want, recs[j].ID)
					}
				}
			}
		})
	}
}

func TestStoreCommitVersionGuard(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Insert(ctx, testRecord("k1")); err != nil {
				t.Fatalf("insert failed: %v", err)
			}

			got, err := store.Commit(ctx, "k1", 1, func(rec KeyRecord) KeyRecord {
				rec.State = StateRotating
				return rec
			})
			if err != nil {
				t.Fatalf("commit failed: %v", err)
			}
			if got.Version != 2 || got.State != StateRotating {
				t.Errorf("unexpected committed record: %+v", got)
			}

			// Replaying the same expected version must conflict without
			// side effects.
			if _, err := store.Commit(ctx, "k1", 1, func(rec KeyRecord) KeyRecord {
				rec.State = StateRevoked
				return rec
			}); !errors.Is(err, ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}

			cur, err := store.Get(ctx, "k1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if cur.State != StateRotating || cur.Version != 2 {
				t.Errorf("stale commit had side effects: %+v", cur)
			}

			if _, err := store.Commit(ctx, "nope", 1, func(rec KeyRecord) KeyRecord {
				return rec
			}); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

// TestStoreNoLostUpdates hammers one record with concurrent read-then-commit
// loops and verifies versions increase by exactly one per committed
// mutation: every version in [2, 1+commits] is claimed exactly once.
func TestStoreNoLostUpdates(t *testing.T) {
	for name, store := range contractStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Insert(ctx, testRecord("k1")); err != nil {
				t.Fatalf("insert failed: %v", err)
			}

			const workers = 8
			const commitsPerWorker = 25

			var mu sync.Mutex
			seen := make(map[int64]int)

			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < commitsPerWorker; {
						cur, err := store.Get(ctx, "k1")
						if err != nil {
							t.Errorf("get failed: %v", err)
							return
						}
						next, err := store.Commit(ctx, "k1", cur.Version, func(rec KeyRecord) KeyRecord {
							return rec
						})
						if errors.Is(err, ErrConflict) {
							continue // stale read, retry
						}
						if err != nil {
							t.Errorf("commit failed: %v", err)
							return
						}
						mu.Lock()
						seen[next.Version]++
						mu.Unlock()
						i++
					}
				}()
			}
			wg.Wait()

			total := workers * commitsPerWorker
			for v := int64(2); v <= int64(1+total); v++ {
				if seen[v] != 1 {
					t.Fatalf("version %d committed %d times, expected exactly once", v, seen[v])
				}
			}

			final, err := store.Get(ctx, "k1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if final.Version != int64(1+total) {
				t.Errorf("expected final version %d, got %d", 1+total, final.Version)
			}
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	ctx := context.Background()
	logger := logging.New(false, true)
	dir := t.TempDir()

	store, err := NewFileStore(dir, logger)
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}
	if err := store.Insert(ctx, testRecord("k1")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := store.Commit(ctx, "k1", 1, func(rec KeyRecord) KeyRecord {
		rec.CurrentRef = "ref-rotated"
		return rec
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// A fresh store over the same directory sees the committed state.
	reloaded, err := NewFileStore(dir, logger)
	if err != nil {
		t.Fatalf("failed to reload file store: %v", err)
	}
	got, err := reloaded.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get after reload failed: %v", err)
	}
	if got.CurrentRef != "ref-rotated" || got.Version != 2 {
		t.Errorf("unexpected reloaded record: %+v", got)
	}
}

// TestFileStorePathUnsafeIDs checks that ids needing filesystem escaping
// never alias: "a/b" and "a_b" must land in distinct documents.
func TestFileStorePathUnsafeIDs(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), logging.New(false, true))
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	slashed := testRecord("a/b")
	slashed.CurrentRef = "ref-slashed"
	underscored := testRecord("a_b")
	underscored.CurrentRef = "ref-underscored"

	if err := store.Insert(ctx, slashed); err != nil {
		t.Fatalf("insert a/b failed: %v", err)
	}
	if err := store.Insert(ctx, underscored); err != nil {
		t.Fatalf("insert a_b failed: %v", err)
	}

	got, err := store.Get(ctx, "a/b")
	if err != nil {
		t.Fatalf("get a/b failed: %v", err)
	}
	if got.ID != "a/b" || got.CurrentRef != "ref-slashed" {
		t.Errorf("a/b returned another record: %+v", got)
	}

	got, err = store.Get(ctx, "a_b")
	if err != nil {
		t.Fatalf("get a_b failed: %v", err)
	}
	if got.ID != "a_b" || got.CurrentRef != "ref-underscored" {
		t.Errorf("a_b returned another record: %+v", got)
	}

	recs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
}

func TestRefValidDuringGrace(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := now.Add(60 * time.Second)

	rec := KeyRecord{
		ID:             "k1",
		CurrentRef:     "ref-new",
		PreviousRef:    "ref-old",
		State:          StateActive,
		GraceExpiresAt: &expires,
	}

	if !rec.RefValidDuringGrace("ref-new", now) {
		t.Error("current ref should be valid")
	}
	if !rec.RefValidDuringGrace("ref-old", now.Add(59*time.Second)) {
		t.Error("previous ref should be valid inside the grace window")
	}
	if rec.RefValidDuringGrace("ref-old", expires) {
		t.Error("previous ref must be void once the window closes")
	}
	if rec.RefValidDuringGrace("ref-other", now) {
		t.Error("unknown ref should never be valid")
	}

	rec.State = StateRevoked
	if rec.RefValidDuringGrace("ref-new", now) {
		t.Error("revoked record must never validate a ref")
	}
}
