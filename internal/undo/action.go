package undo

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrPersistence  = errors.New("persistence unavailable")
)

// Grace window bounds are a protocol constant, enforced server-side
// regardless of what clients request.
const (
	MinGraceWindow     = 5
	MaxGraceWindow     = 30
	DefaultGraceWindow = 15
)

// PendingAction is an intercepted action awaiting resolution. Field names on
// the wire match what the extension and dashboard clients already speak.
type PendingAction struct {
	ID          string         `json:"id"`
	Category    string         `json:"type"`
	Label       string         `json:"label"`
	Metadata    map[string]any `json:"metadata"`
	Platform    string         `json:"platform"`
	GraceWindow int            `json:"graceWindow"`
	OwnerID     string         `json:"userId,omitempty"`
	CreatedAt   int64          `json:"createdAt"`
}

type ActionStatus string

const (
	StatusReversed  ActionStatus = "REVERSED"
	StatusCommitted ActionStatus = "COMMITTED"
)

// ActivityLogEntry is the immutable record of a resolved action. At most one
// entry ever exists per action id.
type ActivityLogEntry struct {
	ID        string       `json:"id"`
	Label     string       `json:"label"`
	Platform  string       `json:"platform"`
	Meta      string       `json:"meta"`
	Status    ActionStatus `json:"status"`
	Timestamp string       `json:"timestamp"`
	OwnerID   string       `json:"userId,omitempty"`
}

type Stats struct {
	TotalActions      int `json:"totalActions"`
	MistakesPrevented int `json:"mistakesPrevented"`
	ActionsCommitted  int `json:"actionsCommitted"`
	PendingCount      int `json:"pendingCount"`
}

func ClampGraceWindow(seconds int) int {
	if seconds < MinGraceWindow {
		return MinGraceWindow
	}
	if seconds > MaxGraceWindow {
		return MaxGraceWindow
	}
	return seconds
}

// NewActionID returns an 8-character uppercase token used as the sole
// resolution key for a pending action.
func NewActionID() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

func displayTimestamp(now time.Time) string {
	return now.Format("15:04:05") + ":" + fmt.Sprintf("%02d", rand.Intn(100))
}
