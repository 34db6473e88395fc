// Package grpc is a thin google.golang.org/grpc binding over the
// internal/raftpb wire messages: a hand-registered grpc.ServiceDesc plus a
// raw-bytes encoding.Codec, so the messages framed with protowire's
// low-level primitives can ride over grpc without a .proto file or
// protoc-generated stubs (spec.md §6, SPEC_FULL.md §2).
package grpc

import "fmt"

// wireMessage is satisfied by every internal/raftpb request/response type.
type wireMessage interface {
	Marshal() []byte
}

// rawCodec implements grpc/encoding.Codec over plain []byte, trusting
// each message's own Marshal/Unmarshal instead of a registered protobuf
// descriptor.
type rawCodec struct{}

func (rawCodec) Name() string { return "raftraw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("transport/grpc: %T does not implement Marshal() []byte", v)
	}
	return m.Marshal(), nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	type unmarshaler interface {
		Unmarshal([]byte) error
	}
	m, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("transport/grpc: %T does not implement Unmarshal([]byte) error", v)
	}
	return m.Unmarshal(data)
}
