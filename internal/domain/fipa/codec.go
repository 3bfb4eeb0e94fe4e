package fipa

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Strob0t/AgentHost/internal/domain"
)

// Codec encodes messages for a transport.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
	ContentType() string
}

// JSONCodec is the codec of the HTTP API and the wasm ABI.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(ToEnvelope(m))
	if err != nil {
		return nil, fmt.Errorf("encode json envelope: %w", err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: decode json envelope: %v", domain.ErrValidation, err)
	}
	return env.Message()
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOpts.EncMode()
	if err != nil {
		panic("fipa: cbor encoder init: " + err.Error())
	}

	// Unknown fields are ignored so newer peers can add parameters.
	cborDec, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("fipa: cbor decoder init: " + err.Error())
	}
}

// CBORCodec produces deterministic Core CBOR (RFC 8949 section 4.2). The
// same message always encodes to the same bytes.
type CBORCodec struct{}

func (CBORCodec) ContentType() string { return "application/cbor" }

func (CBORCodec) Encode(m Message) ([]byte, error) {
	data, err := cborEnc.Marshal(ToEnvelope(m))
	if err != nil {
		return nil, fmt.Errorf("encode cbor envelope: %w", err)
	}
	return data, nil
}

func (CBORCodec) Decode(data []byte) (Message, error) {
	var env Envelope
	if err := cborDec.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("%w: decode cbor envelope: %v", domain.ErrValidation, err)
	}
	return env.Message()
}
