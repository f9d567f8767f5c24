package wire

import (
	"fmt"

	"github.com/shrtyk/replica-core/api"
)

// CodecName is the gRPC content-subtype served by Codec.
const CodecName = "replica-wire"

// Codec is a gRPC codec for recovery messages.
type Codec struct{}

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *api.Recovery:
		return MarshalRecovery(m), nil
	case *api.RecoveryAnswer:
		return MarshalRecoveryAnswer(m), nil
	default:
		return nil, fmt.Errorf("wire: cannot marshal %T", v)
	}
}

func (Codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *api.Recovery:
		return UnmarshalRecovery(data, m)
	case *api.RecoveryAnswer:
		return UnmarshalRecoveryAnswer(data, m)
	default:
		return fmt.Errorf("wire: cannot unmarshal into %T", v)
	}
}
