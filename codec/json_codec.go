package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for both payload shapes that carry structure.
// Output is compact, which is what the companion expects on the wire.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
