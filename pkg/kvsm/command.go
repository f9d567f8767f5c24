package kvsm

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

type Op uint8

const (
	_ Op = iota
	OpGet
	OpPut
	OpAppend
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpPut:
		return "put"
	case OpAppend:
		return "append"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

var ErrMalformed = errors.New("kvsm: malformed message")

// Command is a single client operation on the store.
type Command struct {
	Op    Op
	Key   string
	Value string
}

// Result is what Execute returns for a Command.
type Result struct {
	Value string
	Found bool
	Err   string
}

func EncodeCommand(c Command) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Op))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, c.Key)
	if c.Value != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, c.Value)
	}
	return b
}

func DecodeCommand(data []byte) (Command, error) {
	var c Command
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Op = Op(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Key = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Value = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	if err != nil {
		return Command{}, err
	}
	if c.Op < OpGet || c.Op > OpDelete {
		return Command{}, fmt.Errorf("%w: unknown op %d", ErrMalformed, c.Op)
	}
	return c, nil
}

// EncodeResult never returns nil, even for the zero Result.
func EncodeResult(r Result) []byte {
	b := make([]byte, 0, len(r.Value)+len(r.Err)+8)
	if r.Found {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if r.Value != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Value)
	}
	if r.Err != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.Err)
	}
	return b
}

func DecodeResult(data []byte) (Result, error) {
	var r Result
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			r.Found = protowire.DecodeBool(v)
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Value = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			r.Err = v
			return n
		}
		return protowire.ConsumeFieldValue(num, typ, b)
	})
	return r, err
}

func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		n = field(num, typ, b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
