// Package protocol implements the framed wire format shared by the shell and its companion.
//
// TCP is a byte stream with no message boundaries, so every message is wrapped in a frame
// whose length header tells the receiver exactly how many bytes belong to it. A trailing
// integrity tag lets the receiver detect corruption or truncation of the type tag and payload.
//
// Frame format:
//
//	0         4      6               6+N        10+N
//	┌─────────┬──────┬───────────────┬──────────┐
//	│ length  │ type │    payload    │   tag    │
//	│ uint32  │ "00" │    N bytes    │  uint32  │
//	└─────────┴──────┴───────────────┴──────────┘
//
// length is N (big-endian) and never counts the type or tag bytes.
// tag is the first 4 bytes of SHA-256("00" ++ payload), read big-endian.
package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	LengthSize = 4
	TypeSize   = 2
	TagSize    = 4
	// Overhead is the number of frame bytes that are not payload.
	Overhead = LengthSize + TypeSize + TagSize
)

// TypeTag is the only type marker the protocol currently defines.
var TypeTag = [TypeSize]byte{'0', '0'}

var (
	ErrTruncated         = errors.New("protocol: truncated frame")
	ErrTrailingBytes     = errors.New("protocol: trailing bytes after frame")
	ErrIntegrityMismatch = errors.New("protocol: integrity tag mismatch")
	ErrFrameTooLarge     = errors.New("protocol: frame payload too large")
)

// IntegrityError reports both tags of a frame that failed verification.
type IntegrityError struct {
	Received uint32
	Computed uint32
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%v: received %08x, computed %08x", ErrIntegrityMismatch, e.Received, e.Computed)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrityMismatch
}

// IntegrityTag returns the first four bytes of SHA-256(typeTag ++ payload) as a big-endian uint32.
// The field is a truncated hash, not a CRC; it guards against accidental damage only.
func IntegrityTag(typeTag []byte, payload []byte) uint32 {
	h := sha256.New()
	h.Write(typeTag)
	h.Write(payload)
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:TagSize])
}

// FrameSize returns the total number of bytes a frame carrying payloadLen bytes occupies.
func FrameSize(payloadLen int) int {
	return Overhead + payloadLen
}

// announcedSize converts a header length into a frame size. It reports false when the frame could
// not be held in memory on this platform, which only happens where int is 32 bits.
func announcedSize(n uint32) (int, bool) {
	size := uint64(n) + Overhead
	if size > math.MaxInt {
		return 0, false
	}
	return int(size), true
}

// Encode builds a complete frame around payload. Any payload is encodable.
func Encode(payload []byte) []byte {
	n := len(payload)
	buf := make([]byte, FrameSize(n))

	// Length header: payload bytes only
	binary.BigEndian.PutUint32(buf[0:LengthSize], uint32(n))
	// Type tag
	copy(buf[LengthSize:LengthSize+TypeSize], TypeTag[:])
	// Payload
	copy(buf[LengthSize+TypeSize:], payload)
	// Integrity tag over type tag + payload, never over the length header
	tag := IntegrityTag(buf[LengthSize:LengthSize+TypeSize], payload)
	binary.BigEndian.PutUint32(buf[LengthSize+TypeSize+n:], tag)

	return buf
}

// Decode extracts and verifies the payload of exactly one complete frame.
// The returned payload aliases frame.
func Decode(frame []byte) ([]byte, error) {
	payload, _, err := decode(frame)
	return payload, err
}

// decode also returns the received tag so the reassembler can report it.
func decode(frame []byte) ([]byte, uint32, error) {
	if len(frame) < Overhead {
		return nil, 0, ErrTruncated
	}
	size, ok := announcedSize(binary.BigEndian.Uint32(frame[0:LengthSize]))
	if !ok || len(frame) < size {
		return nil, 0, ErrTruncated
	}
	if len(frame) > size {
		return nil, 0, ErrTrailingBytes
	}

	n := size - Overhead
	typeTag := frame[LengthSize : LengthSize+TypeSize]
	payload := frame[LengthSize+TypeSize : LengthSize+TypeSize+n]
	received := binary.BigEndian.Uint32(frame[LengthSize+TypeSize+n:])

	computed := IntegrityTag(typeTag, payload)
	if computed != received {
		return nil, received, &IntegrityError{Received: received, Computed: computed}
	}
	return payload, received, nil
}

// WriteFrame encodes payload and writes the whole frame with a single Write call.
// Callers sharing w between goroutines must serialise calls, otherwise frames interleave.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(Encode(payload))
	return err
}

// Dump renders a frame as lowercase hex for diagnostics.
func Dump(frame []byte) string {
	return hex.EncodeToString(frame)
}
