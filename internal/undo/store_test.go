package undo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func testAction(id, ownerID string) PendingAction {
	return PendingAction{
		ID:          id,
		Category:    "email",
		Label:       "Send email",
		Metadata:    map[string]any{"recipient": "a@example.com"},
		Platform:    "Gmail",
		GraceWindow: 15,
		OwnerID:     ownerID,
		CreatedAt:   1700000000000,
	}
}

// storeContractTests runs the behavior every backend must share.
func storeContractTests(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("PutGetTakeLifecycle", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		action := testAction("AAAA1111", "user-1")
		if err := store.PutPending(ctx, action); err != nil {
			t.Fatalf("PutPending failed: %v", err)
		}
		got, err := store.GetPending(ctx, action.ID)
		if err != nil {
			t.Fatalf("GetPending failed: %v", err)
		}
		if got.Label != action.Label || got.OwnerID != action.OwnerID {
			t.Fatalf("GetPending returned %+v, want %+v", got, action)
		}

		taken, err := store.TakeAndRemovePending(ctx, action.ID)
		if err != nil {
			t.Fatalf("TakeAndRemovePending failed: %v", err)
		}
		if taken.ID != action.ID {
			t.Fatalf("claimed wrong action: %s", taken.ID)
		}
		if _, err := store.GetPending(ctx, action.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after claim, got %v", err)
		}
		if _, err := store.TakeAndRemovePending(ctx, action.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second claim, got %v", err)
		}
	})

	t.Run("ConcurrentClaimHasOneWinner", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		action := testAction("BBBB2222", "user-1")
		if err := store.PutPending(ctx, action); err != nil {
			t.Fatalf("PutPending failed: %v", err)
		}

		const claimers = 16
		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.TakeAndRemovePending(ctx, action.ID); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winning claim, got %d", wins)
		}
	})

	t.Run("LogsNewestFirstAndCapped", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		for i := 0; i < maxLogEntries+10; i++ {
			_, err := store.AppendLog(ctx, ActivityLogEntry{
				ID:      fmt.Sprintf("LOG%05d", i),
				Label:   fmt.Sprintf("Action %d", i),
				Status:  StatusCommitted,
				OwnerID: "user-1",
			})
			if err != nil {
				t.Fatalf("AppendLog failed: %v", err)
			}
		}
		logs, err := store.ListLogs(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListLogs failed: %v", err)
		}
		if len(logs) != maxLogEntries {
			t.Fatalf("expected %d logs, got %d", maxLogEntries, len(logs))
		}
		if logs[0].ID != fmt.Sprintf("LOG%05d", maxLogEntries+9) {
			t.Fatalf("expected newest entry first, got %s", logs[0].ID)
		}
	})

	t.Run("EmptyOwnerHasNoLogsOrStats", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		if _, err := store.AppendLog(ctx, ActivityLogEntry{ID: "CCCC3333", Status: StatusReversed, OwnerID: "user-1"}); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		logs, err := store.ListLogs(ctx, "")
		if err != nil {
			t.Fatalf("ListLogs failed: %v", err)
		}
		if len(logs) != 0 {
			t.Fatalf("expected no logs for empty owner, got %d", len(logs))
		}
		stats, err := store.ComputeStats(ctx, "")
		if err != nil {
			t.Fatalf("ComputeStats failed: %v", err)
		}
		if stats != (Stats{}) {
			t.Fatalf("expected zero stats for empty owner, got %+v", stats)
		}
		if err := store.ClearLogs(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput clearing empty owner, got %v", err)
		}
	})

	t.Run("ClearLogsScopedToOwner", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		for _, owner := range []string{"user-1", "user-2"} {
			if _, err := store.AppendLog(ctx, ActivityLogEntry{ID: "ID-" + owner, Status: StatusCommitted, OwnerID: owner}); err != nil {
				t.Fatalf("AppendLog failed: %v", err)
			}
		}
		if err := store.ClearLogs(ctx, "user-1"); err != nil {
			t.Fatalf("ClearLogs failed: %v", err)
		}
		logs, err := store.ListLogs(ctx, "user-1")
		if err != nil {
			t.Fatalf("ListLogs failed: %v", err)
		}
		if len(logs) != 0 {
			t.Fatalf("expected user-1 logs cleared, got %d", len(logs))
		}
		logs, err = store.ListLogs(ctx, "user-2")
		if err != nil {
			t.Fatalf("ListLogs failed: %v", err)
		}
		if len(logs) != 1 {
			t.Fatalf("expected user-2 logs untouched, got %d", len(logs))
		}
	})

	t.Run("StatsDerivedFromLogsAndPending", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		if _, err := store.AppendLog(ctx, ActivityLogEntry{ID: "S1", Status: StatusReversed, OwnerID: "user-1"}); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		if _, err := store.AppendLog(ctx, ActivityLogEntry{ID: "S2", Status: StatusCommitted, OwnerID: "user-1"}); err != nil {
			t.Fatalf("AppendLog failed: %v", err)
		}
		if err := store.PutPending(ctx, testAction("S3", "user-1")); err != nil {
			t.Fatalf("PutPending failed: %v", err)
		}
		if err := store.PutPending(ctx, testAction("S4", "user-2")); err != nil {
			t.Fatalf("PutPending failed: %v", err)
		}

		stats, err := store.ComputeStats(ctx, "user-1")
		if err != nil {
			t.Fatalf("ComputeStats failed: %v", err)
		}
		want := Stats{TotalActions: 2, MistakesPrevented: 1, ActionsCommitted: 1, PendingCount: 1}
		if stats != want {
			t.Fatalf("ComputeStats = %+v, want %+v", stats, want)
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	storeContractTests(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreRejectsEmptyIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.PutPending(ctx, PendingAction{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty action id, got %v", err)
	}
	if _, err := store.TakeAndRemovePending(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty claim id, got %v", err)
	}
	if _, err := store.AppendLog(ctx, ActivityLogEntry{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty log id, got %v", err)
	}
}

func TestMemoryStoreStampsDisplayTimestamp(t *testing.T) {
	store := NewMemoryStore()
	entry, err := store.AppendLog(context.Background(), ActivityLogEntry{ID: "T1", Status: StatusCommitted, OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("AppendLog failed: %v", err)
	}
	// HH:MM:SS plus a two digit suffix.
	if len(entry.Timestamp) != 11 {
		t.Fatalf("unexpected timestamp format: %q", entry.Timestamp)
	}
}
