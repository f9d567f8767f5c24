// Package wire encodes recovery messages and snapshots in the protobuf
// binary format.
//
//	Recovery, RecoveryAnswer:
//	  1: sender           (zigzag varint)
//	  2: view             (zigzag varint)
//	  3: next instance id (zigzag varint)
//
//	Snapshot:
//	  1: next instance id (zigzag varint)
//	  2: state            (bytes)
//	  3: reply            (repeated, embedded: 1 client id, 2 seq num, 3 result)
package wire

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/shrtyk/replica-core/api"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrMalformed = errors.New("wire: malformed message")

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// field is called for every known field; unknown fields are skipped.
type field func(num protowire.Number, typ protowire.Type, b []byte) (int, bool)

func parse(b []byte, f field) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		n, known := f(num, typ, b)
		if !known {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func consumeSint(typ protowire.Type, b []byte, dst *int64) int {
	if typ != protowire.VarintType {
		return -1
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = protowire.DecodeZigZag(v)
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) int {
	if typ != protowire.BytesType {
		return -1
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = slices.Clone(v)
	}
	return n
}

func marshalProgress(sender int32, view, next int64) []byte {
	b := make([]byte, 0, 32)
	b = appendSint(b, 1, int64(sender))
	b = appendSint(b, 2, view)
	return appendSint(b, 3, next)
}

func unmarshalProgress(data []byte, sender *int32, view, next *int64) error {
	var s int64
	err := parse(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch num {
		case 1:
			return consumeSint(typ, b, &s), true
		case 2:
			return consumeSint(typ, b, view), true
		case 3:
			return consumeSint(typ, b, next), true
		}
		return 0, false
	})
	*sender = int32(s)
	return err
}

func MarshalRecovery(m *api.Recovery) []byte {
	return marshalProgress(m.Sender, m.View, m.NextInstanceID)
}

func UnmarshalRecovery(data []byte, m *api.Recovery) error {
	return unmarshalProgress(data, &m.Sender, &m.View, &m.NextInstanceID)
}

func MarshalRecoveryAnswer(m *api.RecoveryAnswer) []byte {
	return marshalProgress(m.Sender, m.View, m.NextInstanceID)
}

func UnmarshalRecoveryAnswer(data []byte, m *api.RecoveryAnswer) error {
	return unmarshalProgress(data, &m.Sender, &m.View, &m.NextInstanceID)
}

// MarshalSnapshot encodes s. Replies are written in client id order so equal
// snapshots encode to equal bytes.
func MarshalSnapshot(s *api.Snapshot) []byte {
	b := make([]byte, 0, len(s.State)+32*len(s.LastReplyForClient)+16)
	b = appendSint(b, 1, s.NextInstanceID)
	b = appendBytes(b, 2, s.State)

	var rb []byte
	for _, clientID := range slices.Sorted(maps.Keys(s.LastReplyForClient)) {
		r := s.LastReplyForClient[clientID]
		rb = rb[:0]
		rb = appendSint(rb, 1, r.ID.ClientID)
		rb = appendSint(rb, 2, int64(r.ID.SeqNum))
		rb = appendBytes(rb, 3, r.Result)
		b = appendBytes(b, 3, rb)
	}
	return b
}

func UnmarshalSnapshot(data []byte) (*api.Snapshot, error) {
	s := &api.Snapshot{LastReplyForClient: make(map[int64]*api.Reply)}
	err := parse(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch num {
		case 1:
			return consumeSint(typ, b, &s.NextInstanceID), true
		case 2:
			return consumeBytes(typ, b, &s.State), true
		case 3:
			var raw []byte
			n := consumeBytes(typ, b, &raw)
			if n < 0 {
				return n, true
			}
			r, err := unmarshalReply(raw)
			if err != nil {
				return -1, true
			}
			s.LastReplyForClient[r.ID.ClientID] = r
			return n, true
		}
		return 0, false
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalReply(data []byte) (*api.Reply, error) {
	var (
		r   api.Reply
		seq int64
	)
	err := parse(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, bool) {
		switch num {
		case 1:
			return consumeSint(typ, b, &r.ID.ClientID), true
		case 2:
			return consumeSint(typ, b, &seq), true
		case 3:
			return consumeBytes(typ, b, &r.Result), true
		}
		return 0, false
	})
	r.ID.SeqNum = int32(seq)
	return &r, err
}
