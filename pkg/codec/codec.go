// Package codec holds the CBOR encoding shared by the wire, the disk and gossip.
package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Decode limits. Payload size is bounded by the store's max_value_size check.
const (
	maxNestedLevels  = 16
	maxArrayElements = 65536
	maxMapPairs      = 4096
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	dm, err := cbor.DecOptions{
		MaxNestedLevels:  maxNestedLevels,
		MaxArrayElements: maxArrayElements,
		MaxMapPairs:      maxMapPairs,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
	encMode, decMode = em, dm
}

// Marshal encodes v in canonical CBOR, so equal values produce equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
