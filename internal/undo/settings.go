package undo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SettingsStore holds per-owner grace-window overrides. With a file path it
// persists them as JSON and reloads when the file changes on disk, so edits
// made outside the process take effect without a restart.
type SettingsStore struct {
	mu      sync.Mutex
	entries map[string]int

	path    string
	log     zerolog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

type SettingsOptions struct {
	// Path of the JSON settings file. Empty disables persistence.
	Path   string
	Logger zerolog.Logger
}

func NewSettingsStore(opts SettingsOptions) (*SettingsStore, error) {
	s := &SettingsStore{
		entries: make(map[string]int),
		path:    opts.Path,
		log:     opts.Logger,
		done:    make(chan struct{}),
	}
	if s.path == "" {
		return s, nil
	}
	if err := s.loadFromFile(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

// Get returns the stored override for the owner, if any.
func (s *SettingsStore) Get(ownerID string) (int, bool) {
	if s == nil || ownerID == "" {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seconds, ok := s.entries[ownerID]
	return seconds, ok
}

// Effective resolves the grace window for a new action: a stored override
// beats the requested value, zero requested means the default, and the
// result is always clamped.
func (s *SettingsStore) Effective(ownerID string, requested int) int {
	if override, ok := s.Get(ownerID); ok {
		return ClampGraceWindow(override)
	}
	if requested == 0 {
		return DefaultGraceWindow
	}
	return ClampGraceWindow(requested)
}

// Update stores a clamped override for the owner and returns the value kept.
func (s *SettingsStore) Update(ownerID string, seconds int) (int, error) {
	if s == nil || ownerID == "" {
		return 0, ErrInvalidInput
	}
	clamped := ClampGraceWindow(seconds)
	s.mu.Lock()
	s.entries[ownerID] = clamped
	snapshot := make(map[string]int, len(s.entries))
	for owner, value := range s.entries {
		snapshot[owner] = value
	}
	s.mu.Unlock()

	if s.path != "" {
		if err := saveSettingsFile(s.path, snapshot); err != nil {
			s.log.Warn().Err(err).Str("path", s.path).Msg("failed to persist settings")
		}
	}
	return clamped, nil
}

func (s *SettingsStore) Close() error {
	if s == nil {
		return nil
	}
	if s.watcher != nil {
		close(s.done)
		return s.watcher.Close()
	}
	return nil
}

func (s *SettingsStore) loadFromFile() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	entries := make(map[string]int)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]int, len(entries))
	for owner, seconds := range entries {
		if owner == "" {
			continue
		}
		s.entries[owner] = ClampGraceWindow(seconds)
	}
	return nil
}

func (s *SettingsStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Name != s.path {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := s.loadFromFile(); err != nil {
				s.log.Warn().Err(err).Str("path", s.path).Msg("failed to reload settings")
				continue
			}
			s.log.Info().Str("path", s.path).Msg("settings reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}

func saveSettingsFile(path string, entries map[string]int) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
