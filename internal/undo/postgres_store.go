package undo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	postgresPendingTableName = "pending_actions"
	postgresLogTableName     = "activity_logs"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable backend. Any operation that fails against the
// database is absorbed into an embedded MemoryStore so the logical effect
// still holds for the caller; the failure is logged, never surfaced.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc
	log    zerolog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	fallback *MemoryStore
}

func NewPostgresStore(dsn string, log zerolog.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:      dsn,
		openDB:   sql.Open,
		log:      log,
		fallback: NewMemoryStore(),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createPending := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				action_id TEXT PRIMARY KEY,
				category TEXT NOT NULL,
				label TEXT NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				platform TEXT NOT NULL,
				grace_window INT NOT NULL,
				owner_id TEXT NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL
			)`, postgresQuoteIdentifier(postgresPendingTableName))
		if _, err := db.ExecContext(ctx, createPending); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		createLogs := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				seq BIGSERIAL,
				owner_id TEXT NOT NULL DEFAULT '',
				action_id TEXT NOT NULL,
				label TEXT NOT NULL,
				platform TEXT NOT NULL,
				meta TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				display_time TEXT NOT NULL,
				PRIMARY KEY (owner_id, action_id)
			)`, postgresQuoteIdentifier(postgresLogTableName))
		if _, err := db.ExecContext(ctx, createLogs); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) absorb(op string, err error) {
	s.log.Warn().Err(err).Str("op", op).Msg("postgres unavailable, using in-memory fallback")
}

func (s *PostgresStore) PutPending(ctx context.Context, action PendingAction) error {
	if s == nil {
		return ErrInvalidInput
	}
	if action.ID == "" {
		return ErrInvalidInput
	}
	if err := s.putPendingDurable(ctx, action); err != nil {
		s.absorb("put_pending", err)
		return s.fallback.PutPending(ctx, action)
	}
	return nil
}

func (s *PostgresStore) putPendingDurable(ctx context.Context, action PendingAction) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	metadata, err := json.Marshal(action.Metadata)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (action_id, category, label, metadata, platform, grace_window, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (action_id)
		DO UPDATE SET category = EXCLUDED.category, label = EXCLUDED.label,
			metadata = EXCLUDED.metadata, platform = EXCLUDED.platform,
			grace_window = EXCLUDED.grace_window, owner_id = EXCLUDED.owner_id,
			created_at = EXCLUDED.created_at`, postgresQuoteIdentifier(postgresPendingTableName))
	_, err = s.db.ExecContext(ctx, query,
		action.ID, action.Category, action.Label, string(metadata),
		action.Platform, action.GraceWindow, action.OwnerID, action.CreatedAt)
	return err
}

// TakeAndRemovePending claims the action with a single DELETE ... RETURNING
// so exactly one caller wins a resolution race. The fallback map is consulted
// only for records previously absorbed there.
func (s *PostgresStore) TakeAndRemovePending(ctx context.Context, id string) (PendingAction, error) {
	if s == nil || id == "" {
		return PendingAction{}, ErrInvalidInput
	}
	action, err := s.takePendingDurable(ctx, id)
	if err == nil {
		return action, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.absorb("take_pending", err)
	}
	return s.fallback.TakeAndRemovePending(ctx, id)
}

func (s *PostgresStore) takePendingDurable(ctx context.Context, id string) (PendingAction, error) {
	if err := s.ensureReady(); err != nil {
		return PendingAction{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE action_id = $1
		RETURNING action_id, category, label, metadata, platform, grace_window, owner_id, created_at`,
		postgresQuoteIdentifier(postgresPendingTableName))
	row := s.db.QueryRowContext(ctx, query, id)
	return scanPendingAction(row)
}

func (s *PostgresStore) GetPending(ctx context.Context, id string) (PendingAction, error) {
	if s == nil || id == "" {
		return PendingAction{}, ErrInvalidInput
	}
	action, err := s.getPendingDurable(ctx, id)
	if err == nil {
		return action, nil
	}
	if !errors.Is(err, ErrNotFound) {
		s.absorb("get_pending", err)
	}
	return s.fallback.GetPending(ctx, id)
}

func (s *PostgresStore) getPendingDurable(ctx context.Context, id string) (PendingAction, error) {
	if err := s.ensureReady(); err != nil {
		return PendingAction{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT action_id, category, label, metadata, platform, grace_window, owner_id, created_at
		FROM %s WHERE action_id = $1`, postgresQuoteIdentifier(postgresPendingTableName))
	row := s.db.QueryRowContext(ctx, query, id)
	return scanPendingAction(row)
}

func (s *PostgresStore) ListAllPending(ctx context.Context) ([]PendingAction, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	durable, err := s.listPendingDurable(ctx)
	if err != nil {
		s.absorb("list_pending", err)
		return s.fallback.ListAllPending(ctx)
	}
	absorbed, err := s.fallback.ListAllPending(ctx)
	if err != nil {
		return durable, nil
	}
	return append(durable, absorbed...), nil
}

func (s *PostgresStore) listPendingDurable(ctx context.Context) ([]PendingAction, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT action_id, category, label, metadata, platform, grace_window, owner_id, created_at
		FROM %s ORDER BY created_at ASC`, postgresQuoteIdentifier(postgresPendingTableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PendingAction, 0)
	for rows.Next() {
		action, scanErr := scanPendingAction(rows)
		if scanErr != nil {
			continue
		}
		out = append(out, action)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry ActivityLogEntry) (ActivityLogEntry, error) {
	if s == nil {
		return ActivityLogEntry{}, ErrInvalidInput
	}
	if entry.ID == "" {
		return ActivityLogEntry{}, ErrInvalidInput
	}
	if entry.Timestamp == "" {
		entry.Timestamp = displayTimestamp(time.Now())
	}
	if err := s.appendLogDurable(ctx, entry); err != nil {
		s.absorb("append_log", err)
		return s.fallback.AppendLog(ctx, entry)
	}
	return entry, nil
}

func (s *PostgresStore) appendLogDurable(ctx context.Context, entry ActivityLogEntry) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, action_id, label, platform, meta, status, display_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, action_id) DO NOTHING`, postgresQuoteIdentifier(postgresLogTableName))
	_, err := s.db.ExecContext(ctx, query,
		entry.OwnerID, entry.ID, entry.Label, entry.Platform,
		entry.Meta, string(entry.Status), entry.Timestamp)
	return err
}

func (s *PostgresStore) ListLogs(ctx context.Context, ownerID string) ([]ActivityLogEntry, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	if ownerID == "" {
		return []ActivityLogEntry{}, nil
	}
	durable, err := s.listLogsDurable(ctx, ownerID)
	if err != nil {
		s.absorb("list_logs", err)
		return s.fallback.ListLogs(ctx, ownerID)
	}
	absorbed, fallbackErr := s.fallback.ListLogs(ctx, ownerID)
	if fallbackErr == nil && len(absorbed) > 0 {
		durable = append(absorbed, durable...)
		if len(durable) > maxLogEntries {
			durable = durable[:maxLogEntries]
		}
	}
	return durable, nil
}

func (s *PostgresStore) listLogsDurable(ctx context.Context, ownerID string) ([]ActivityLogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT action_id, label, platform, meta, status, display_time, owner_id
		FROM %s WHERE owner_id = $1
		ORDER BY seq DESC
		LIMIT %d`, postgresQuoteIdentifier(postgresLogTableName), maxLogEntries)
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ActivityLogEntry, 0)
	for rows.Next() {
		var entry ActivityLogEntry
		var status string
		if scanErr := rows.Scan(&entry.ID, &entry.Label, &entry.Platform, &entry.Meta, &status, &entry.Timestamp, &entry.OwnerID); scanErr != nil {
			continue
		}
		entry.Status = ActionStatus(status)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ComputeStats(ctx context.Context, ownerID string) (Stats, error) {
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
	if ownerID != "" {
		pending, listErr := s.ListAllPending(ctx)
		if listErr == nil {
			for _, action := range pending {
				if action.OwnerID == ownerID {
					stats.PendingCount++
				}
			}
		}
	}
	return stats, nil
}

func (s *PostgresStore) ClearLogs(ctx context.Context, ownerID string) error {
	if s == nil || ownerID == "" {
		return ErrInvalidInput
	}
	if err := s.clearLogsDurable(ctx, ownerID); err != nil {
		s.absorb("clear_logs", err)
	}
	return s.fallback.ClearLogs(ctx, ownerID)
}

func (s *PostgresStore) clearLogsDurable(ctx context.Context, ownerID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE owner_id = $1", postgresQuoteIdentifier(postgresLogTableName))
	_, err := s.db.ExecContext(ctx, query, ownerID)
	return err
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPendingAction(row rowScanner) (PendingAction, error) {
	var action PendingAction
	var metadata string
	err := row.Scan(&action.ID, &action.Category, &action.Label, &metadata,
		&action.Platform, &action.GraceWindow, &action.OwnerID, &action.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingAction{}, ErrNotFound
	}
	if err != nil {
		return PendingAction{}, err
	}
	if metadata != "" {
		if unmarshalErr := json.Unmarshal([]byte(metadata), &action.Metadata); unmarshalErr != nil {
			action.Metadata = map[string]any{}
		}
	}
	return action, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
