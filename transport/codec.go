package transport

import (
	"encoding/json"

	errwrap "github.com/pkg/errors"
)

// Codec is the pluggable serializer pair from spec §6: "Each serializable
// type exposes a pair of functions to_bytes(T) -> bytes and from_bytes(bytes)
// -> T that compose into the identity." Concrete byte layout is an
// implementation choice; JSON is used by default (see JSONCodec) but any
// format satisfying the round-trip law may be plugged in.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// JSONCodec is the default full-form Codec, backed by the standard library's
// encoding/json. The spec treats serialization as an external collaborator
// (a bijective pair); nothing about the round-trip law requires a
// third-party format, so the stdlib codec is used directly here (see
// DESIGN.md for the full justification).
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: json encode failed")
	}
	return b, nil
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errwrap.Wrap(ErrDecode, err.Error())
	}
	return v, nil
}

// Resolve returns light if it is non-nil, else full. This is spec §4.1's "A
// 'light' serializer is an opt-in specialization; absence falls back to the
// full form" and design note (iii): the fallback is resolved once, per
// format, not chained across formats.
func Resolve[T any](full, light Codec[T]) Codec[T] {
	if light != nil {
		return light
	}
	return full
}

// EncodeAll encodes a slice of elements as one payload, each element encoded
// independently with codec. This is the "Vec<T>" side of migrate's contract.
func EncodeAll[T any](codec Codec[T], items []T) ([]byte, error) {
	parts := make([][]byte, len(items))
	for i, item := range items {
		b, err := codec.Encode(item)
		if err != nil {
			return nil, errwrap.Wrapf(err, "transport: encode element %d", i)
		}
		parts[i] = b
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return nil, errwrap.Wrap(err, "transport: encode element envelope")
	}
	return b, nil
}

// DecodeAll is the inverse of EncodeAll.
func DecodeAll[T any](codec Codec[T], data []byte) ([]T, error) {
	var parts [][]byte
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, errwrap.Wrap(ErrDecode, err.Error())
	}
	out := make([]T, len(parts))
	for i, p := range parts {
		v, err := codec.Decode(p)
		if err != nil {
			return nil, errwrap.Wrapf(err, "transport: decode element %d", i)
		}
		out[i] = v
	}
	return out, nil
}
