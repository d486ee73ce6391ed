package undo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordedEvent struct {
	OwnerID string
	Event   string
	Payload any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *recordingNotifier) Notify(ownerID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{OwnerID: ownerID, Event: event, Payload: payload})
}

func (n *recordingNotifier) byEvent(event string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]recordedEvent, 0)
	for _, e := range n.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T) (*Engine, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	engine, err := NewEngine(EngineOptions{
		Store:           NewMemoryStore(),
		Executors:       NewRegistry(RegistryOptions{SimulateLatency: false, Logger: zerolog.Nop()}),
		Notifier:        notifier,
		Logger:          zerolog.Nop(),
		GraceWindowUnit: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine, notifier
}

func TestEngineCreateAppliesDefaults(t *testing.T) {
	engine, notifier := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if action.Category != "unknown" || action.Label != "Unknown Action" {
		t.Fatalf("defaults not applied: %+v", action)
	}
	if action.Metadata == nil {
		t.Fatal("metadata should default to an empty map")
	}
	if action.GraceWindow != DefaultGraceWindow {
		t.Fatalf("grace window %d, want default %d", action.GraceWindow, DefaultGraceWindow)
	}
	if action.Platform != "WebForm" {
		t.Fatalf("unknown category should map to WebForm, got %s", action.Platform)
	}
	if len(action.ID) != 8 {
		t.Fatalf("unexpected id format: %q", action.ID)
	}
	if action.CreatedAt == 0 {
		t.Fatal("CreatedAt not stamped")
	}

	events := notifier.byEvent(EventIntercepted)
	if len(events) != 1 || events[0].OwnerID != "user-1" {
		t.Fatalf("expected one intercepted broadcast for user-1, got %+v", events)
	}
}

func TestEngineCreateClampsGraceWindow(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "email", GraceWindow: 120})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if action.GraceWindow != MaxGraceWindow {
		t.Fatalf("grace window %d, want clamp to %d", action.GraceWindow, MaxGraceWindow)
	}
	action, err = engine.Create(ctx, CreateRequest{Category: "email", GraceWindow: 1})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if action.GraceWindow != MinGraceWindow {
		t.Fatalf("grace window %d, want clamp to %d", action.GraceWindow, MinGraceWindow)
	}
}

func TestEngineCreateHonorsStoredSetting(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := engine.UpdateSetting("user-1", 10); err != nil {
		t.Fatalf("UpdateSetting failed: %v", err)
	}
	action, err := engine.Create(ctx, CreateRequest{Category: "email", GraceWindow: 25, OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if action.GraceWindow != 10 {
		t.Fatalf("stored setting should beat the request, got %d", action.GraceWindow)
	}
}

func TestEngineResolveUndo(t *testing.T) {
	engine, notifier := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{
		Category: "email",
		Label:    "Send email",
		Metadata: map[string]any{"recipient": "a@example.com"},
		OwnerID:  "user-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	res, err := engine.Resolve(ctx, action.ID, ResolveUndo)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Status != StatusReversed || res.Auto {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if res.Log.ID != action.ID || res.Log.Status != StatusReversed {
		t.Fatalf("unexpected log entry: %+v", res.Log)
	}

	logs, err := engine.Logs(ctx, "user-1")
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != StatusReversed {
		t.Fatalf("expected one reversed entry, got %+v", logs)
	}
	stats, err := engine.Stats(ctx, "user-1")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.MistakesPrevented != 1 || stats.TotalActions != 1 || stats.PendingCount != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	events := notifier.byEvent(EventResolved)
	if len(events) != 1 || events[0].OwnerID != "user-1" {
		t.Fatalf("expected one resolved broadcast, got %+v", events)
	}
	resolved, ok := events[0].Payload.(ResolvedEvent)
	if !ok || resolved.Status != StatusReversed {
		t.Fatalf("unexpected resolved payload: %+v", events[0].Payload)
	}
}

func TestEngineResolveTwiceReturnsNotFound(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "file", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := engine.Resolve(ctx, action.ID, ResolveCommit); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	if _, err := engine.Resolve(ctx, action.ID, ResolveUndo); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second resolve, got %v", err)
	}

	// The log still records exactly one terminal state.
	logs, err := engine.Logs(ctx, "user-1")
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != StatusCommitted {
		t.Fatalf("expected one committed entry, got %+v", logs)
	}
}

func TestEngineConcurrentResolveHasOneWinner(t *testing.T) {
	engine, notifier := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "git", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const resolvers = 8
	results := make(chan error, resolvers)
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		mode := ResolveUndo
		if i%2 == 0 {
			mode = ResolveCommit
		}
		wg.Add(1)
		go func(mode ResolveMode) {
			defer wg.Done()
			_, err := engine.Resolve(ctx, action.ID, mode)
			results <- err
		}(mode)
	}
	wg.Wait()
	close(results)

	var wins, notFound int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotFound):
			notFound++
		default:
			t.Fatalf("unexpected resolve error: %v", err)
		}
	}
	if wins != 1 || notFound != resolvers-1 {
		t.Fatalf("wins=%d notFound=%d, want exactly one winner", wins, notFound)
	}
	if events := notifier.byEvent(EventResolved); len(events) != 1 {
		t.Fatalf("expected one resolved broadcast, got %d", len(events))
	}
}

func TestEngineAutoCommitsAfterGraceWindow(t *testing.T) {
	engine, notifier := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "form", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := notifier.byEvent(EventResolved); len(events) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	events := notifier.byEvent(EventResolved)
	if len(events) != 1 {
		t.Fatalf("expected one auto-commit broadcast, got %d", len(events))
	}
	resolved, ok := events[0].Payload.(ResolvedEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", events[0].Payload)
	}
	if resolved.Status != StatusCommitted || !resolved.Auto {
		t.Fatalf("expected auto commit, got %+v", resolved)
	}

	if _, err := engine.Resolve(ctx, action.ID, ResolveUndo); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after auto commit, got %v", err)
	}
}

func TestEngineUndoBeforeAutoCommitWins(t *testing.T) {
	notifier := &recordingNotifier{}
	engine, err := NewEngine(EngineOptions{
		Store:           NewMemoryStore(),
		Executors:       NewRegistry(RegistryOptions{SimulateLatency: false, Logger: zerolog.Nop()}),
		Notifier:        notifier,
		Logger:          zerolog.Nop(),
		GraceWindowUnit: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	defer engine.Close()
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "email", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, err := engine.Resolve(ctx, action.ID, ResolveUndo)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Status != StatusReversed {
		t.Fatalf("expected REVERSED, got %s", res.Status)
	}

	// The disarmed timer must not produce a second resolution.
	time.Sleep(time.Duration(action.GraceWindow)*50*time.Millisecond + 100*time.Millisecond)
	if events := notifier.byEvent(EventResolved); len(events) != 1 {
		t.Fatalf("expected one resolution, got %d", len(events))
	}
}

func TestEngineSnapshotScopesToOwner(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	a1, err := engine.Create(ctx, CreateRequest{Category: "email", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := engine.Create(ctx, CreateRequest{Category: "file", OwnerID: "user-2"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	snapshot, err := engine.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snapshot.Pending) != 1 || snapshot.Pending[0].ID != a1.ID {
		t.Fatalf("expected only user-1 pending, got %+v", snapshot.Pending)
	}

	// Anonymous sessions see every pending action and no history.
	snapshot, err = engine.Snapshot(ctx, "")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snapshot.Pending) != 2 {
		t.Fatalf("expected all pending for anonymous, got %d", len(snapshot.Pending))
	}
	if len(snapshot.Logs) != 0 {
		t.Fatalf("anonymous snapshot should carry no logs, got %d", len(snapshot.Logs))
	}
}

func TestEngineClearLogsNotifiesOwner(t *testing.T) {
	engine, notifier := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{Category: "email", OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := engine.Resolve(ctx, action.ID, ResolveCommit); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := engine.ClearLogs(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty owner, got %v", err)
	}
	if err := engine.ClearLogs(ctx, "user-1"); err != nil {
		t.Fatalf("ClearLogs failed: %v", err)
	}
	logs, err := engine.Logs(ctx, "user-1")
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected cleared logs, got %d", len(logs))
	}
	if events := notifier.byEvent(EventLogsCleared); len(events) != 1 || events[0].OwnerID != "user-1" {
		t.Fatalf("expected logs:cleared broadcast to user-1, got %+v", events)
	}
}

func TestEngineLogMetaCarriesSerializedMetadata(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	action, err := engine.Create(ctx, CreateRequest{
		Category: "email",
		Metadata: map[string]any{"recipient": "a@example.com"},
		OwnerID:  "user-1",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, err := engine.Resolve(ctx, action.ID, ResolveCommit)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Log.Meta != `{"recipient":"a@example.com"}` {
		t.Fatalf("unexpected meta: %q", res.Log.Meta)
	}
}
