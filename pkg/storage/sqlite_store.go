package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/wire"
	"github.com/shrtyk/replica-core/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - view and snapshots tables
const currentSchemaVersion = 1

// DefaultSnapshotsToKeep is the number of snapshots retained after each save.
const DefaultSnapshotsToKeep = 3

var (
	_ api.ViewStorage   = (*SQLiteStore)(nil)
	_ api.SnapshotStore = (*SQLiteStore)(nil)
)

// SQLiteStore keeps the view and the most recent snapshots in a single
// SQLite database running in WAL mode.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	logger   *slog.Logger
	keep     int
	view     api.View
	firstRun bool
}

// OpenSQLite creates or opens the database at path. keep bounds the number
// of stored snapshots; values below 1 fall back to DefaultSnapshotsToKeep.
func OpenSQLite(path string, keep int, log *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	if keep < 1 {
		keep = DefaultSnapshotsToKeep
	}
	s := &SQLiteStore{db: db, logger: log, keep: keep}

	err = db.QueryRow("SELECT value FROM view WHERE id = 1").Scan(&s.view)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.firstRun = true
		if _, err := db.Exec("INSERT INTO view (id, value) VALUES (1, 0)"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize view: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read view: %w", err)
	}

	log.Info("sqlite store opened",
		slog.String("path", path),
		slog.Int64("view", s.view),
		slog.Bool("first_run", s.firstRun),
	)
	return s, nil
}

func (s *SQLiteStore) View() api.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *SQLiteStore) FirstRun() bool {
	return s.firstRun
}

func (s *SQLiteStore) SetView(v api.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < s.view {
		return fmt.Errorf("%w: %d -> %d", api.ErrViewDecrease, s.view, v)
	}
	if v == s.view {
		return nil
	}
	if _, err := s.db.Exec("UPDATE view SET value = ? WHERE id = 1", v); err != nil {
		return fmt.Errorf("failed to persist view %d: %w", v, err)
	}
	s.view = v
	return nil
}

// SaveSnapshot stores snap and drops all but the newest snapshots.
func (s *SQLiteStore) SaveSnapshot(snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO snapshots (next_instance_id, data, created_at) VALUES (?, ?, ?)",
		snap.NextInstanceID, wire.MarshalSnapshot(snap), time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM snapshots WHERE next_instance_id NOT IN (
			SELECT next_instance_id FROM snapshots ORDER BY next_instance_id DESC LIMIT ?
		)`, s.keep)
	if err != nil {
		return fmt.Errorf("failed to clean up snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("old snapshots removed", slog.Int64("count", n))
	}
	return nil
}

// LastSnapshot returns the newest snapshot or nil if none was saved.
func (s *SQLiteStore) LastSnapshot() (*api.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM snapshots ORDER BY next_instance_id DESC LIMIT 1",
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap, err := wire.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("failed to close sqlite store", logger.ErrAttr(err))
		return err
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
