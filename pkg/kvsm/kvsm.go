// Package kvsm is an ordered in-memory key/value store implementing
// api.StateMachine.
package kvsm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"
	"github.com/shrtyk/replica-core/api"
	"github.com/shrtyk/replica-core/pkg/logger"
	"google.golang.org/protobuf/encoding/protowire"
)

const degree = 32

type item struct {
	key   string
	value string
}

func less(a, b item) bool { return a.key < b.key }

var _ api.StateMachine = (*Store)(nil)

// Store is safe for concurrent use. Commands on different keys commute, so
// it can be driven by parallel batch execution.
type Store struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[item]
	logger *slog.Logger
}

func New(log *slog.Logger) *Store {
	return &Store{
		tree:   btree.NewG(degree, less),
		logger: log,
	}
}

func (s *Store) Execute(payload []byte, seqNum int32) []byte {
	cmd, err := DecodeCommand(payload)
	if err != nil {
		s.logger.Warn("rejecting malformed command", slog.Int("seq_num", int(seqNum)), logger.ErrAttr(err))
		return EncodeResult(Result{Err: err.Error()})
	}
	return EncodeResult(s.Apply(cmd))
}

// Apply runs cmd against the store.
func (s *Store) Apply(cmd Command) Result {
	if cmd.Op == OpGet {
		s.mu.RLock()
		defer s.mu.RUnlock()
		it, ok := s.tree.Get(item{key: cmd.Key})
		return Result{Value: it.value, Found: ok}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Op {
	case OpPut:
		prev, ok := s.tree.ReplaceOrInsert(item{key: cmd.Key, value: cmd.Value})
		return Result{Value: prev.value, Found: ok}
	case OpAppend:
		prev, ok := s.tree.Get(item{key: cmd.Key})
		s.tree.ReplaceOrInsert(item{key: cmd.Key, value: prev.value + cmd.Value})
		return Result{Value: prev.value, Found: ok}
	case OpDelete:
		prev, ok := s.tree.Delete(item{key: cmd.Key})
		return Result{Value: prev.value, Found: ok}
	default:
		return Result{Err: fmt.Sprintf("unsupported op %s", cmd.Op)}
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Range calls fn for every key in [from, to) in order until fn returns false.
// An empty to means no upper bound.
func (s *Store) Range(from, to string, fn func(key, value string) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter := func(it item) bool { return fn(it.key, it.value) }
	if to == "" {
		s.tree.AscendGreaterOrEqual(item{key: from}, iter)
		return
	}
	s.tree.AscendRange(item{key: from}, item{key: to}, iter)
}

// MakeSnapshot encodes every pair in key order.
func (s *Store) MakeSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b := make([]byte, 0, 64)
	var eb []byte
	s.tree.Ascend(func(it item) bool {
		eb = eb[:0]
		eb = protowire.AppendTag(eb, 1, protowire.BytesType)
		eb = protowire.AppendString(eb, it.key)
		eb = protowire.AppendTag(eb, 2, protowire.BytesType)
		eb = protowire.AppendString(eb, it.value)
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
		return true
	})
	return b, nil
}

func (s *Store) RestoreFromSnapshot(data []byte) error {
	tree := btree.NewG(degree, less)
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		var it item
		if err := walk(raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch {
			case num == 1 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				it.key = v
				return n
			case num == 2 && typ == protowire.BytesType:
				v, n := protowire.ConsumeString(b)
				it.value = v
				return n
			}
			return protowire.ConsumeFieldValue(num, typ, b)
		}); err != nil {
			return -1
		}
		tree.ReplaceOrInsert(it)
		return n
	})
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
	return nil
}
