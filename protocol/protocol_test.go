package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	cases := [][]byte{
		[]byte("hello world"),
		[]byte(`{"event":"message","data":{"content":"你好"},"requestId":"abc"}`),
		{},
		bytes.Repeat([]byte{0x00, 0xff}, 4096),
	}

	for _, payload := range cases {
		frame := Encode(payload)
		if len(frame) != FrameSize(len(payload)) {
			t.Fatalf("frame size: got %d, want %d", len(frame), FrameSize(len(payload)))
		}

		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !bytes.Equal(decoded, payload) {
			t.Errorf("payload mismatch: got %q, want %q", decoded, payload)
		}
	}
}

// The calculate request from the desktop shell, checked byte for byte.
func TestEncodeGoldenCalculateFrame(t *testing.T) {
	payload := []byte(`{"event":"calculate","data":{"a":10,"b":20},"requestId":"r1"}`)
	if len(payload) != 61 {
		t.Fatalf("payload length: got %d, want 61", len(payload))
	}

	var want bytes.Buffer
	want.Write([]byte{0x00, 0x00, 0x00, 0x3d})
	want.WriteString("00")
	want.Write(payload)
	want.Write([]byte{0x86, 0xb8, 0x15, 0xe9})

	frame := Encode(payload)
	if !bytes.Equal(frame, want.Bytes()) {
		t.Fatalf("frame mismatch:\n got  %s\n want %s", Dump(frame), Dump(want.Bytes()))
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("decoded %s, want %s", decoded, payload)
	}
}

func TestIntegrityTagVectors(t *testing.T) {
	cases := []struct {
		payload string
		want    uint32
	}{
		{"", 0xf1534392},
		{"hello", 0xa50847e5},
	}
	for _, tc := range cases {
		if got := IntegrityTag(TypeTag[:], []byte(tc.payload)); got != tc.want {
			t.Errorf("IntegrityTag(%q) = %08x, want %08x", tc.payload, got, tc.want)
		}
	}
}

func TestDecodeDetectsSingleBitFlips(t *testing.T) {
	payload := []byte(`{"event":"calculate","data":{"a":1,"b":2},"requestId":"x"}`)
	frame := Encode(payload)

	// Every bit of the type tag and payload region
	for i := LengthSize; i < LengthSize+TypeSize+len(payload); i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), frame...)
			corrupted[i] ^= 1 << bit

			_, err := Decode(corrupted)
			if !errors.Is(err, ErrIntegrityMismatch) {
				t.Fatalf("byte %d bit %d: expect ErrIntegrityMismatch, got %v", i, bit, err)
			}
		}
	}
}

func TestDecodeCorruptedTag(t *testing.T) {
	frame := Encode([]byte("hello"))
	frame[len(frame)-1] ^= 0x01

	_, err := Decode(frame)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expect *IntegrityError, got %v", err)
	}
	if ie.Computed != 0xa50847e5 {
		t.Errorf("computed tag: got %08x, want a50847e5", ie.Computed)
	}
	if !strings.Contains(err.Error(), "integrity tag mismatch") {
		t.Errorf("error message should mention the mismatch, got: %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	frame := Encode([]byte("hello world"))

	for _, n := range []int{0, 3, Overhead - 1, len(frame) - 1} {
		if _, err := Decode(frame[:n]); !errors.Is(err, ErrTruncated) {
			t.Errorf("len %d: expect ErrTruncated, got %v", n, err)
		}
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	frame := append(Encode([]byte("hi")), 0x00)
	if _, err := Decode(frame); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expect ErrTrailingBytes, got %v", err)
	}
}

func TestDecodeLargePayload(t *testing.T) {
	large := make([]byte, 1024*1024)
	for i := range large {
		large[i] = byte(i % 256)
	}

	frame := Encode(large)
	if got := binary.BigEndian.Uint32(frame[:LengthSize]); got != uint32(len(large)) {
		t.Fatalf("length header: got %d, want %d", got, len(large))
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decoded, large) {
		t.Errorf("large payload mismatch")
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), Encode([]byte("hello"))) {
		t.Fatalf("WriteFrame wrote %s", Dump(buf.Bytes()))
	}
}

func BenchmarkEncode(b *testing.B) {
	payload := []byte(`{"event":"calculate","data":{"a":1,"b":2},"requestId":"6f1c2a4e-8d3b-4f7a-9e21-0c5d7b8a9f10"}`)
	b.SetBytes(int64(len(payload)))
	for i := 0; i < b.N; i++ {
		Encode(payload)
	}
}
