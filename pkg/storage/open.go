package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/shrtyk/replica-core/api"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"

	// SQLiteFileName is the database file created inside the data dir.
	SQLiteFileName = "replica.db"
)

var ErrUnknownBackend = errors.New("storage: unknown backend")

// Store is a durable view storage that also keeps snapshots.
type Store interface {
	api.ViewStorage
	api.SnapshotStore
}

// Open opens the backend rooted at dir, creating dir when needed.
func Open(backend, dir string, log *slog.Logger) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileViewStorage(dir, log)
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return OpenSQLite(filepath.Join(dir, SQLiteFileName), DefaultSnapshotsToKeep, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
