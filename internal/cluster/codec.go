package cluster

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// msgpackCodecName is the content-subtype cluster service calls request
// via grpc.CallContentSubtype. The cluster gRPC server also carries the
// Raft transport and raftadmin, which use grpc-go's default "proto"
// codec against real protobuf messages; registering a second codec
// under its own name lets both coexist on one grpc.Server without
// touching the default.
const msgpackCodecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec marshals the plain Go structs in messages.go. This
// package has no .proto sources, so its RPCs can't use grpc-go's
// default codec, which requires proto.Message. msgpack is already an
// ecosystem dependency of this module; no pack example ships a
// ready-made non-protobuf grpc codec, so this adapter is the minimal
// glue needed to register it with grpc-go's encoding package.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return msgpackCodecName
}
