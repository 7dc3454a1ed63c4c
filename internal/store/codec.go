package store

import (
	"bytes"
	"encoding/gob"
)

// Codec encodes and decodes opaque values to and from the bytes the
// store persists. It plays the role Python's pickle plays in the
// original implementation: state, props, and serve results all pass
// through it on their way to and from Redis.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// GobCodec is the default Codec. gob is the closest stdlib analogue to
// a generic opaque-value encoder: it round-trips arbitrary registered
// Go types without a schema, the same role pickle plays for Python.
type GobCodec struct{}

func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
