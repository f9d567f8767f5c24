package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/internal/wire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	viewFileName     = "sync.view"
	snapshotFileName = "sync.snapshot"
	tmpSuffix        = ".tmp"
)

const headerSize = 8 // 4 bytes for length, 4 for CRC

//  ______________________________________________ ...
// | Payload length (4 byte) | CRC Hash (4 byte) | Payload ...
// |_________________________|___________________|_______ ...

var (
	crc32cTable = crc32.MakeTable(crc32.Castagnoli)

	ErrCorrupted = errors.New("storage: corrupted file")
)

var (
	_ api.ViewStorage   = (*FileViewStorage)(nil)
	_ api.SnapshotStore = (*FileViewStorage)(nil)
)

// FileViewStorage keeps the view in a single file, replaced atomically
// (write temp, fsync, rename, fsync dir) on every update. The latest
// snapshot is kept next to it in the same format.
// It is safe for concurrent use.
type FileViewStorage struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	dir      string
	path     string
	view     api.View
	firstRun bool
}

// NewFileViewStorage opens the view file in dir, creating it with view 0
// when it does not exist yet.
func NewFileViewStorage(dir string, log *slog.Logger) (*FileViewStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	s := &FileViewStorage{
		logger: log,
		dir:    dir,
		path:   filepath.Join(dir, viewFileName),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.firstRun = true
		if err := s.write(0); err != nil {
			return nil, fmt.Errorf("failed to initialize view file: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read view file: %w", err)
	default:
		v, err := decodeView(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode view file %s: %w", s.path, err)
		}
		s.view = v
	}

	log.Info("view storage opened", slog.Int64("view", s.view), slog.Bool("first_run", s.firstRun))
	return s, nil
}

func (s *FileViewStorage) View() api.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

func (s *FileViewStorage) FirstRun() bool {
	return s.firstRun
}

func (s *FileViewStorage) SetView(v api.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v < s.view {
		return fmt.Errorf("%w: %d -> %d", api.ErrViewDecrease, s.view, v)
	}
	if v == s.view {
		return nil
	}
	if err := s.write(v); err != nil {
		return fmt.Errorf("failed to persist view %d: %w", v, err)
	}
	s.view = v
	return nil
}

func (s *FileViewStorage) Close() error {
	return nil
}

// SaveSnapshot replaces the stored snapshot with snap.
func (s *FileViewStorage) SaveSnapshot(snap *api.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, snapshotFileName)
	if err := syncFile(path, frame(wire.MarshalSnapshot(snap)), 0644); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	return syncDir(s.dir)
}

// LastSnapshot returns the stored snapshot or nil if none was saved.
func (s *FileViewStorage) LastSnapshot() (*api.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dir, snapshotFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	payload, err := unframe(data)
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalSnapshot(payload)
}

func (s *FileViewStorage) write(v api.View) error {
	data, err := encodeView(v)
	if err != nil {
		return err
	}
	if err := syncFile(s.path, data, 0644); err != nil {
		return err
	}
	return syncDir(s.dir)
}

func encodeView(v api.View) ([]byte, error) {
	payload, err := proto.Marshal(wrapperspb.Int64(v))
	if err != nil {
		return nil, err
	}
	return frame(payload), nil
}

func decodeView(data []byte) (api.View, error) {
	payload, err := unframe(data)
	if err != nil {
		return 0, err
	}
	msg := &wrapperspb.Int64Value{}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return 0, fmt.Errorf("failed to unmarshal view: %w", err)
	}
	return msg.GetValue(), nil
}

func frame(payload []byte) []byte {
	b := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(b[4:8], crc32.Checksum(payload, crc32cTable))
	return append(b, payload...)
}

func unframe(data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrCorrupted)
	}
	length := binary.BigEndian.Uint32(data[0:4])
	crc := binary.BigEndian.Uint32(data[4:8])
	payload := data[headerSize:]
	if uint32(len(payload)) != length {
		return nil, fmt.Errorf("%w: expected %d payload bytes, got %d", ErrCorrupted, length, len(payload))
	}
	if actualCRC := crc32.Checksum(payload, crc32cTable); actualCRC != crc {
		return nil, fmt.Errorf("%w: crc mismatch: expected %d, got %d", ErrCorrupted, crc, actualCRC)
	}
	return payload, nil
}

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, path)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
