package channel

import (
	"encoding/json"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec frames messages on a byte stream.
type Codec interface {
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
	Name() string
}

type Encoder interface {
	Encode(v any) error
}

type Decoder interface {
	Decode(v any) error
}

var (
	// CBOR is the default codec. Encoding is deterministic and decoded
	// maps have string keys.
	CBOR Codec = cborCodec{}

	// JSON is easier to debug by eye. Blobs travel as base64 strings and
	// are not restored to []byte on decode.
	JSON Codec = jsonCodec{}
)

// ParseCodec returns the codec with the given name.
func ParseCodec(name string) (Codec, bool) {
	switch name {
	case "", "cbor":
		return CBOR, true
	case "json":
		return JSON, true
	}
	return nil, false
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("channel: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("channel: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) NewEncoder(w io.Writer) Encoder { return encMode.NewEncoder(w) }
func (cborCodec) NewDecoder(r io.Reader) Decoder { return decMode.NewDecoder(r) }
func (cborCodec) Name() string                   { return "cbor" }

type jsonCodec struct{}

func (jsonCodec) NewEncoder(w io.Writer) Encoder { return json.NewEncoder(w) }

func (jsonCodec) NewDecoder(r io.Reader) Decoder {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return dec
}

func (jsonCodec) Name() string { return "json" }
