package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame is one frame recovered from the stream.
// Err is non-nil when the frame failed verification; its bytes are consumed regardless.
type Frame struct {
	Payload []byte
	Tag     uint32
	Raw     []byte // the complete frame bytes, for diagnostics
	Err     error
}

// Reassembler recovers frame boundaries from a byte stream delivered in arbitrary chunks.
//
//	chunk 1: [len|00|pay]            → nothing yet, bytes kept verbatim
//	chunk 2: [load|tag][len|00|p]    → frame 1, tail of frame 2 kept
//	chunk 3: [ayload|tag]            → frame 2
//
// After every Feed the buffer holds no complete frame: everything extractable has been returned.
// A Reassembler is owned by a single reader goroutine and is not safe for concurrent use.
type Reassembler struct {
	buf        []byte // accumulated bytes
	off        int    // read cursor; buf[off:] is unconsumed
	maxPayload uint32 // 0 means unlimited
}

// NewReassembler creates a reassembler that rejects headers announcing more than maxPayload
// payload bytes. Pass 0 to accept any length.
func NewReassembler(maxPayload uint32) *Reassembler {
	return &Reassembler{maxPayload: maxPayload}
}

// Feed appends chunk and returns every frame that is now complete, in arrival order.
//
// It returns ErrFrameTooLarge when the next header exceeds the payload limit. The stream cannot be
// resynchronised after that, so the owner should drop the connection.
func (r *Reassembler) Feed(chunk []byte) ([]Frame, error) {
	r.compact()
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		pending := r.buf[r.off:]

		// Need the length header first
		if len(pending) < LengthSize {
			break
		}

		n := binary.BigEndian.Uint32(pending[0:LengthSize])
		if r.maxPayload > 0 && n > r.maxPayload {
			return frames, fmt.Errorf("%w: header announces %d bytes, limit %d", ErrFrameTooLarge, n, r.maxPayload)
		}

		size, ok := announcedSize(n)
		if !ok {
			return frames, fmt.Errorf("%w: header announces %d bytes", ErrFrameTooLarge, n)
		}
		if len(pending) < size {
			break // incomplete: keep every byte as-is
		}

		// Copy out so callers may keep the frame after the buffer is reused
		raw := make([]byte, size)
		copy(raw, pending[:size])
		r.off += size

		payload, tag, err := decode(raw)
		frames = append(frames, Frame{Payload: payload, Tag: tag, Raw: raw, Err: err})
	}
	return frames, nil
}

// Buffered reports how many unconsumed bytes are held.
func (r *Reassembler) Buffered() int {
	return len(r.buf) - r.off
}

// Reset discards all buffered bytes. Used when the connection that fed them goes away.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.off = 0
}

// compact moves the unconsumed tail to the front once the consumed prefix dominates the buffer.
func (r *Reassembler) compact() {
	if r.off == 0 {
		return
	}
	if r.off == len(r.buf) {
		r.buf = r.buf[:0]
		r.off = 0
		return
	}
	if r.off >= len(r.buf)/2 {
		n := copy(r.buf, r.buf[r.off:])
		r.buf = r.buf[:n]
		r.off = 0
	}
}
