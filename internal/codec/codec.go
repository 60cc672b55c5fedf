// Package codec encodes shared store records. Both devices must be
// configured with the same codec; a record written by one codec fails to
// decode under the other and is purged like any other corrupt record.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrDecode marks a record that could not be decoded.
var ErrDecode = errors.New("decode record")

// Codec marshals whole record values.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName returns the codec registered under name ("json" or "cbor").
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("unknown record codec %q", name)
	}
}

// JSON is the default codec; its field names match the live message schema.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrDecode)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps identical snapshots byte-identical.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBOR is a compact binary codec for constrained companion storage.
type CBOR struct{}

func (CBOR) Name() string { return "cbor" }

func (CBOR) Marshal(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

func (CBOR) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrDecode)
	}
	if err := cborDec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}
