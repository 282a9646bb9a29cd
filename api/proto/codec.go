// Package proto holds the wire messages and gRPC service descriptors for the
// proxy and WAL streaming services. Messages are encoded with msgpack through
// a registered gRPC codec, so no generated code is involved.
package proto

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the msgpack codec.
const CodecName = "msgpack"

// Codec implements encoding.Codec with msgpack. Dynamic values decode to
// int64, uint64, float64, string, []byte, bool, time.Time or nil.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

func (Codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
