package rpc

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// RawMessage is an opaque request or reply payload carried through the
// transport unchanged.
type RawMessage []byte

// rawCodec passes RawMessage bytes through unchanged and falls back to
// protobuf for everything else, so framework services like health keep
// working on the same server.
type rawCodec struct{}

func (rawCodec) Name() string {
	return "qbridge-raw"
}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *RawMessage:
		return *m, nil
	case RawMessage:
		return m, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case *RawMessage:
		*m = data
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
}
