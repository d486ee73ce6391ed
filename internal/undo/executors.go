package undo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Result reports what an executor did. Executor failures travel in the value;
// they are never errors, because a failed side effect still resolves the
// action.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	CompletedAt string `json:"completedAt,omitempty"`
}

// Executor performs or prevents the real-world effect of a resolved action.
// Execute runs on commit and auto-commit, Cancel on undo.
type Executor interface {
	DisplayName() string
	Execute(ctx context.Context, action PendingAction) Result
	Cancel(ctx context.Context, action PendingAction) Result
}

// Registry maps action categories to executors. Lookup is case-insensitive
// and unknown categories fall back to the web form executor.
type Registry struct {
	executors map[string]Executor
	fallback  Executor
}

type RegistryOptions struct {
	SimulateLatency bool
	Logger          zerolog.Logger
}

func NewRegistry(opts RegistryOptions) *Registry {
	gmail := &simulatedExecutor{
		name:  "Gmail",
		delay: latency(opts.SimulateLatency, 500*time.Millisecond),
		log:   opts.Logger,
		executeMsg: func(action PendingAction) string {
			return fmt.Sprintf("Email sent to %s", metadataString(action, "recipient", "recipient"))
		},
		cancelMsg: func(PendingAction) string {
			return "Email sending prevented"
		},
	}
	system := &simulatedExecutor{
		name:  "System",
		delay: latency(opts.SimulateLatency, 300*time.Millisecond),
		log:   opts.Logger,
		executeMsg: func(action PendingAction) string {
			return fmt.Sprintf("File/Folder deleted: %s", metadataString(action, "fileName", "item"))
		},
		cancelMsg: func(PendingAction) string {
			return "File deletion prevented - file preserved"
		},
	}
	github := &simulatedExecutor{
		name:  "GitHub",
		delay: latency(opts.SimulateLatency, 800*time.Millisecond),
		log:   opts.Logger,
		executeMsg: func(action PendingAction) string {
			return fmt.Sprintf("Git %s to %s completed",
				metadataString(action, "operation", "push"),
				metadataString(action, "branch", "main"))
		},
		cancelMsg: func(PendingAction) string {
			return "Git operation prevented - no changes pushed"
		},
	}
	webform := &simulatedExecutor{
		name:  "WebForm",
		delay: latency(opts.SimulateLatency, 400*time.Millisecond),
		log:   opts.Logger,
		executeMsg: func(action PendingAction) string {
			return fmt.Sprintf("Form submitted: %s", metadataString(action, "formName", "form"))
		},
		cancelMsg: func(PendingAction) string {
			return "Form submission prevented"
		},
	}

	r := &Registry{
		executors: make(map[string]Executor),
		fallback:  webform,
	}
	r.Register(gmail, "email", "gmail")
	r.Register(system, "file", "delete")
	r.Register(github, "git", "github", "push")
	r.Register(webform, "form", "submit")
	return r
}

// Register binds the executor under each category alias. Later registrations
// replace earlier ones.
func (r *Registry) Register(executor Executor, categories ...string) {
	if r == nil || executor == nil {
		return
	}
	for _, category := range categories {
		category = strings.ToLower(strings.TrimSpace(category))
		if category == "" {
			continue
		}
		r.executors[category] = executor
	}
}

func (r *Registry) Lookup(category string) Executor {
	if r == nil {
		return nil
	}
	if executor, ok := r.executors[strings.ToLower(strings.TrimSpace(category))]; ok {
		return executor
	}
	return r.fallback
}

func latency(simulate bool, d time.Duration) time.Duration {
	if !simulate {
		return 0
	}
	return d
}

func metadataString(action PendingAction, key, fallback string) string {
	if value, ok := action.Metadata[key].(string); ok && value != "" {
		return value
	}
	return fallback
}

// simulatedExecutor stands in for a real integration. The delay mimics the
// round trip the real call would take.
type simulatedExecutor struct {
	name       string
	delay      time.Duration
	log        zerolog.Logger
	executeMsg func(PendingAction) string
	cancelMsg  func(PendingAction) string
}

func (e *simulatedExecutor) DisplayName() string {
	return e.name
}

func (e *simulatedExecutor) Execute(ctx context.Context, action PendingAction) Result {
	if !e.wait(ctx) {
		return Result{Success: false, Message: "Execution cancelled"}
	}
	message := e.executeMsg(action)
	e.log.Info().Str("executor", e.name).Str("actionId", action.ID).Msg(message)
	return Result{
		Success:     true,
		Message:     message,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *simulatedExecutor) Cancel(ctx context.Context, action PendingAction) Result {
	if !e.wait(ctx) {
		return Result{Success: false, Message: "Cancellation interrupted"}
	}
	message := e.cancelMsg(action)
	e.log.Info().Str("executor", e.name).Str("actionId", action.ID).Msg(message)
	return Result{
		Success:     true,
		Message:     message,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

func (e *simulatedExecutor) wait(ctx context.Context) bool {
	if e.delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
