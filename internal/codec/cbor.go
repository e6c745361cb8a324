// Package codec provides the deterministic CBOR encoding used for ledger
// payloads and the gRPC wire format.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Name is the gRPC content-subtype for this codec
const Name = "cbor"

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// event always produces the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields for forward compatibility
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to deterministic CBOR
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value used to delay decoding
type RawMessage = cbor.RawMessage

// GRPC implements the grpc encoding.Codec interface over CBOR
type GRPC struct{}

// Marshal encodes a message
func (GRPC) Marshal(v any) ([]byte, error) {
	return Marshal(v)
}

// Unmarshal decodes a message
func (GRPC) Unmarshal(data []byte, v any) error {
	return Unmarshal(data, v)
}

// Name returns the content-subtype
func (GRPC) Name() string {
	return Name
}
