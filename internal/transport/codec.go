package transport

import (
	"google.golang.org/grpc/encoding"

	"github.com/zde37/kadvault/pkg/codec"
)

// codecName is the gRPC content subtype node-to-node calls are sent with.
const codecName = "cbor"

// cborCodec carries plain Go structs over gRPC, so the record types travel
// on the wire in the same canonical form they are stored and hashed in.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

func (cborCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(cborCodec{})
}
