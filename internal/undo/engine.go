package undo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// ResolveMode names the three ways a pending action leaves the window.
type ResolveMode string

const (
	ResolveUndo       ResolveMode = "undo"
	ResolveCommit     ResolveMode = "commit"
	ResolveAutoCommit ResolveMode = "auto-commit"
)

// Broadcast event names, shared with the websocket clients.
const (
	EventIntercepted = "action:intercepted"
	EventResolved    = "action:resolved"
	EventLogsCleared = "logs:cleared"
)

// Notifier delivers a lifecycle event to the sessions of ownerID. An empty
// owner id addresses every session.
type Notifier interface {
	Notify(ownerID, event string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, any) {}

// CreateRequest carries a new interception from either transport.
type CreateRequest struct {
	Category    string         `json:"type"`
	Label       string         `json:"label"`
	Metadata    map[string]any `json:"metadata"`
	GraceWindow int            `json:"graceWindow"`
	OwnerID     string         `json:"userId"`
}

// Resolution is the terminal outcome of a pending action.
type Resolution struct {
	Status ActionStatus
	Log    ActivityLogEntry
	Auto   bool
}

// ResolvedEvent is the broadcast form of a resolution.
type ResolvedEvent struct {
	ID     string           `json:"id"`
	Status ActionStatus     `json:"status"`
	Log    ActivityLogEntry `json:"log"`
	Auto   bool             `json:"auto,omitempty"`
}

// Snapshot is the state handed to a session on join.
type Snapshot struct {
	Pending []PendingAction    `json:"pendingActions"`
	Logs    []ActivityLogEntry `json:"logs"`
	Stats   Stats              `json:"stats"`
}

// Engine is the lifecycle controller. It is the only writer of action state:
// both transports and the auto-commit timer funnel through Create and
// Resolve, and the store claim inside Resolve guarantees each action resolves
// exactly once.
type Engine struct {
	store     Store
	executors *Registry
	timers    *TimerScheduler
	settings  *SettingsStore
	notifier  Notifier
	log       zerolog.Logger
	graceUnit time.Duration
}

type EngineOptions struct {
	Store     Store
	Executors *Registry
	Timers    *TimerScheduler
	Settings  *SettingsStore
	Notifier  Notifier
	Logger    zerolog.Logger

	// GraceWindowUnit converts a grace window count into a delay. Defaults
	// to one second; tests shrink it.
	GraceWindowUnit time.Duration
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	if opts.Executors == nil {
		opts.Executors = NewRegistry(RegistryOptions{SimulateLatency: true, Logger: opts.Logger})
	}
	if opts.Timers == nil {
		opts.Timers = NewTimerScheduler()
	}
	if opts.Settings == nil {
		settings, err := NewSettingsStore(SettingsOptions{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Settings = settings
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.GraceWindowUnit <= 0 {
		opts.GraceWindowUnit = time.Second
	}
	return &Engine{
		store:     opts.Store,
		executors: opts.Executors,
		timers:    opts.Timers,
		settings:  opts.Settings,
		notifier:  opts.Notifier,
		log:       opts.Logger,
		graceUnit: opts.GraceWindowUnit,
	}, nil
}

// Create intercepts an action: stores it pending, arms the auto-commit timer
// and announces it to the owner's sessions.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (PendingAction, error) {
	if e == nil {
		return PendingAction{}, ErrInvalidInput
	}
	if req.Category == "" {
		req.Category = "unknown"
	}
	if req.Label == "" {
		req.Label = "Unknown Action"
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	action := PendingAction{
		ID:          NewActionID(),
		Category:    req.Category,
		Label:       req.Label,
		Metadata:    req.Metadata,
		Platform:    e.executors.Lookup(req.Category).DisplayName(),
		GraceWindow: e.settings.Effective(req.OwnerID, req.GraceWindow),
		OwnerID:     req.OwnerID,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := e.store.PutPending(ctx, action); err != nil {
		return PendingAction{}, err
	}

	e.timers.Schedule(action.ID, time.Duration(action.GraceWindow)*e.graceUnit, func(id string) {
		if _, err := e.Resolve(context.Background(), id, ResolveAutoCommit); err != nil {
			// A NotFound here means someone resolved first. That is the
			// expected race outcome, not a fault.
			return
		}
	})

	e.notifier.Notify(action.OwnerID, EventIntercepted, action)
	e.log.Info().
		Str("actionId", action.ID).
		Str("type", action.Category).
		Str("userId", action.OwnerID).
		Int("graceWindow", action.GraceWindow).
		Msg("action intercepted")
	return action, nil
}

// Resolve claims the pending action and drives it to its terminal state.
// The claim is the exactly-once gate: losers of a resolution race get
// ErrNotFound and nothing else happens.
func (e *Engine) Resolve(ctx context.Context, id string, mode ResolveMode) (Resolution, error) {
	if e == nil || id == "" {
		return Resolution{}, ErrInvalidInput
	}
	switch mode {
	case ResolveUndo, ResolveCommit, ResolveAutoCommit:
	default:
		return Resolution{}, ErrInvalidInput
	}
	action, err := e.store.TakeAndRemovePending(ctx, id)
	if err != nil {
		return Resolution{}, err
	}
	e.timers.Cancel(id)

	executor := e.executors.Lookup(action.Category)
	var status ActionStatus
	var result Result
	switch mode {
	case ResolveUndo:
		status = StatusReversed
		result = executor.Cancel(ctx, action)
	case ResolveCommit, ResolveAutoCommit:
		status = StatusCommitted
		result = executor.Execute(ctx, action)
	}
	if !result.Success {
		e.log.Warn().
			Str("actionId", id).
			Str("mode", string(mode)).
			Str("message", result.Message).
			Msg("executor reported failure")
	}

	meta, err := json.Marshal(action.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	entry, err := e.store.AppendLog(ctx, ActivityLogEntry{
		ID:       action.ID,
		Label:    action.Label,
		Platform: action.Platform,
		Meta:     string(meta),
		Status:   status,
		OwnerID:  action.OwnerID,
	})
	if err != nil {
		return Resolution{}, err
	}

	auto := mode == ResolveAutoCommit
	e.notifier.Notify(action.OwnerID, EventResolved, ResolvedEvent{
		ID:     action.ID,
		Status: status,
		Log:    entry,
		Auto:   auto,
	})
	e.log.Info().
		Str("actionId", action.ID).
		Str("status", string(status)).
		Bool("auto", auto).
		Msg("action resolved")
	return Resolution{Status: status, Log: entry, Auto: auto}, nil
}

// Snapshot assembles the join payload for a session. An empty owner id gets
// every pending action and no history, matching anonymous legacy clients.
func (e *Engine) Snapshot(ctx context.Context, ownerID string) (Snapshot, error) {
	if e == nil {
		return Snapshot{}, ErrInvalidInput
	}
	pending, err := e.Pending(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	logs, err := e.store.ListLogs(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	stats, err := e.store.ComputeStats(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Pending: pending, Logs: logs, Stats: stats}, nil
}

// Pending lists pending actions, filtered to the owner when one is given.
func (e *Engine) Pending(ctx context.Context, ownerID string) ([]PendingAction, error) {
	if e == nil {
		return nil, ErrInvalidInput
	}
	all, err := e.store.ListAllPending(ctx)
	if err != nil {
		return nil, err
	}
	if ownerID == "" {
		return all, nil
	}
	out := make([]PendingAction, 0, len(all))
	for _, action := range all {
		if action.OwnerID == ownerID {
			out = append(out, action)
		}
	}
	return out, nil
}

func (e *Engine) Logs(ctx context.Context, ownerID string) ([]ActivityLogEntry, error) {
	if e == nil {
		return nil, ErrInvalidInput
	}
	return e.store.ListLogs(ctx, ownerID)
}

func (e *Engine) Stats(ctx context.Context, ownerID string) (Stats, error) {
	if e == nil {
		return Stats{}, ErrInvalidInput
	}
	return e.store.ComputeStats(ctx, ownerID)
}

// ClearLogs wipes the owner's history and tells their sessions.
func (e *Engine) ClearLogs(ctx context.Context, ownerID string) error {
	if e == nil {
		return ErrInvalidInput
	}
	if err := e.store.ClearLogs(ctx, ownerID); err != nil {
		return err
	}
	e.notifier.Notify(ownerID, EventLogsCleared, map[string]any{"userId": ownerID})
	return nil
}

// SettingFor returns the owner's effective grace window.
func (e *Engine) SettingFor(ownerID string) int {
	if e == nil {
		return DefaultGraceWindow
	}
	return e.settings.Effective(ownerID, 0)
}

func (e *Engine) UpdateSetting(ownerID string, seconds int) (int, error) {
	if e == nil {
		return 0, ErrInvalidInput
	}
	return e.settings.Update(ownerID, seconds)
}

// Close stops the timers and releases the store and settings resources.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.timers.Stop()
	if err := e.settings.Close(); err != nil {
		return err
	}
	return e.store.Close()
}
