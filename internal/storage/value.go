package storage

import (
	"bytes"
	"fmt"

	"github.com/mmynk/pacegroup/internal/codec"
)

// Value is an encoded value read from a store. The zero Value is absent.
type Value struct {
	raw []byte
}

// ValueOf wraps already encoded CBOR bytes. A nil slice is absent.
func ValueOf(raw []byte) Value {
	return Value{raw: raw}
}

// Encode encodes v into a Value. A nil v is absent.
func Encode(v any) (Value, error) {
	raw, err := encodeAny(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// Exists reports whether anything is stored.
func (v Value) Exists() bool {
	return v.raw != nil
}

// Bytes returns the encoded form, nil when absent.
func (v Value) Bytes() []byte {
	return v.raw
}

// Decode decodes the value into dst. Decoding an absent value leaves dst
// untouched.
func (v Value) Decode(dst any) error {
	if v.raw == nil {
		return nil
	}
	if err := codec.Unmarshal(v.raw, dst); err != nil {
		return fmt.Errorf("failed to decode value: %w", err)
	}
	return nil
}

// Equal reports whether two values hold identical encodings.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(v.raw, other.raw)
}

// String renders the value in CBOR diagnostic notation.
func (v Value) String() string {
	if v.raw == nil {
		return "<absent>"
	}
	diag, err := codec.Diagnose(v.raw)
	if err != nil {
		return fmt.Sprintf("<undecodable %x>", v.raw)
	}
	return diag
}

func encodeAny(v any) ([]byte, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case Value:
		return typed.raw, nil
	case *Value:
		if typed == nil {
			return nil, nil
		}
		return typed.raw, nil
	}
	raw, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return raw, nil
}
