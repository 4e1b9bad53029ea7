package rpc

import (
	"fmt"

	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// codecName is registered under grpc's "proto" content-subtype so the
// stock grpc.Dial/grpc.NewServer call-path picks it up without requiring
// callers to set a non-default CallContentSubtype — there is no real
// protobuf message on either side of this wire.
const codecName = "proto"

// jsonCodec implements encoding.Codec by marshaling every wire message
// with goccy/go-json instead of generated protobuf marshal code. This is
// a supported gRPC-Go extension point; it keeps the seven RPCs' request/
// response dispatch, deadlines, and streaming semantics real while
// sidestepping the need to hand-produce a protoc-compiled descriptor.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
