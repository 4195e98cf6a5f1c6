package codec

import (
	"fmt"
	"unicode/utf8"
)

// RawCodec passes text through untouched. It is used for direct-form commands that are not JSON.
type RawCodec struct{}

func (c *RawCodec) Encode(v any) ([]byte, error) {
	var b []byte
	switch s := v.(type) {
	case string:
		b = []byte(s)
	case []byte:
		b = append([]byte(nil), s...)
	default:
		return nil, fmt.Errorf("RawCodec: unsupported type %T", v)
	}
	if !utf8.Valid(b) {
		return nil, fmt.Errorf("RawCodec: payload is not valid UTF-8")
	}
	return b, nil
}

func (c *RawCodec) Decode(data []byte, v any) error {
	switch dst := v.(type) {
	case *string:
		*dst = string(data)
	case *[]byte:
		*dst = append((*dst)[:0], data...)
	default:
		return fmt.Errorf("RawCodec: unsupported type %T", v)
	}
	return nil
}

func (c *RawCodec) Type() CodecType {
	return CodecTypeRaw
}
