// Package codec serialises frame payloads.
//
// A payload is UTF-8 text in one of two shapes: a JSON document (the wrapped
// {event,data,requestId} envelope or a free-form object) or a plain string sent as-is.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeRaw  CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Raw
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeRaw {
		return &RawCodec{}
	}

	return &JSONCodec{}
}

// For picks the codec for a direct-form payload: strings and byte slices travel as raw text,
// everything else as JSON.
func For(v any) Codec {
	switch v.(type) {
	case string, []byte:
		return &RawCodec{}
	default:
		return &JSONCodec{}
	}
}
