package datanodepb

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// msgpackCodecName is registered under its own content-subtype so the
// data node's gRPC server can carry plain structs without touching the
// default "proto" codec other services on the same process might use.
// Mirrors internal/cluster's codec.go exactly, down to the dependency
// choice (vmihailenco/msgpack/v5, already a direct module dependency).
const msgpackCodecName = "datanode-msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                       { return msgpackCodecName }
