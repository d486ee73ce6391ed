package undo

import (
	"context"
	"sync"
	"time"
)

// maxLogEntries caps the activity history kept per owner.
const maxLogEntries = 100

// Store holds pending actions and the resolved-action history.
//
// TakeAndRemovePending is the resolution claim: it must atomically look up
// and delete the pending record so that exactly one caller wins when several
// race to resolve the same id. Every other method is bookkeeping around that.
type Store interface {
	PutPending(ctx context.Context, action PendingAction) error
	TakeAndRemovePending(ctx context.Context, id string) (PendingAction, error)
	GetPending(ctx context.Context, id string) (PendingAction, error)
	ListAllPending(ctx context.Context) ([]PendingAction, error)

	AppendLog(ctx context.Context, entry ActivityLogEntry) (ActivityLogEntry, error)
	ListLogs(ctx context.Context, ownerID string) ([]ActivityLogEntry, error)
	ComputeStats(ctx context.Context, ownerID string) (Stats, error)
	ClearLogs(ctx context.Context, ownerID string) error

	Close() error
}

// MemoryStore keeps all state in process memory. It is the default backend
// and also serves as the absorbing fallback inside PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]PendingAction
	logs    []ActivityLogEntry // newest first
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending: make(map[string]PendingAction),
		now:     time.Now,
	}
}

func (s *MemoryStore) PutPending(_ context.Context, action PendingAction) error {
	if s == nil {
		return ErrInvalidInput
	}
	if action.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[action.ID] = action
	return nil
}

func (s *MemoryStore) TakeAndRemovePending(_ context.Context, id string) (PendingAction, error) {
	if s == nil || id == "" {
		return PendingAction{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.pending[id]
	if !ok {
		return PendingAction{}, ErrNotFound
	}
	delete(s.pending, id)
	return action, nil
}

func (s *MemoryStore) GetPending(_ context.Context, id string) (PendingAction, error) {
	if s == nil || id == "" {
		return PendingAction{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.pending[id]
	if !ok {
		return PendingAction{}, ErrNotFound
	}
	return action, nil
}

func (s *MemoryStore) ListAllPending(_ context.Context) ([]PendingAction, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingAction, 0, len(s.pending))
	for _, action := range s.pending {
		out = append(out, action)
	}
	return out, nil
}

// AppendLog stamps the entry with a display timestamp if the caller left it
// empty and returns the stored value.
func (s *MemoryStore) AppendLog(_ context.Context, entry ActivityLogEntry) (ActivityLogEntry, error) {
	if s == nil {
		return ActivityLogEntry{}, ErrInvalidInput
	}
	if entry.ID == "" {
		return ActivityLogEntry{}, ErrInvalidInput
	}
	if entry.Timestamp == "" {
		entry.Timestamp = displayTimestamp(s.now())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append([]ActivityLogEntry{entry}, s.logs...)
	if len(s.logs) > maxLogEntries {
		s.logs = s.logs[:maxLogEntries]
	}
	return entry, nil
}

// ListLogs returns the owner's history, newest first. An empty owner id has
// no history of its own and yields an empty slice.
func (s *MemoryStore) ListLogs(_ context.Context, ownerID string) ([]ActivityLogEntry, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if ownerID == "" {
		return []ActivityLogEntry{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivityLogEntry, 0)
	for _, entry := range s.logs {
		if entry.OwnerID == ownerID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStore) ComputeStats(ctx context.Context, ownerID string) (Stats, error) {
	if s == nil {
		return Stats{}, ErrInvalidInput
	}
	logs, err := s.ListLogs(ctx, ownerID)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalActions: len(logs)}
	for _, entry := range logs {
		switch entry.Status {
		case StatusReversed:
			stats.MistakesPrevented++
		case StatusCommitted:
			stats.ActionsCommitted++
		}
	}
	s.mu.Lock()
	for _, action := range s.pending {
		if ownerID != "" && action.OwnerID == ownerID {
			stats.PendingCount++
		}
	}
	s.mu.Unlock()
	return stats, nil
}

func (s *MemoryStore) ClearLogs(_ context.Context, ownerID string) error {
	if s == nil || ownerID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	for _, entry := range s.logs {
		if entry.OwnerID != ownerID {
			kept = append(kept, entry)
		}
	}
	s.logs = kept
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
