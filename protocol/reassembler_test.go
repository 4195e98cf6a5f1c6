package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func payloads(t *testing.T, frames []Frame) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		if f.Err != nil {
			t.Fatalf("unexpected frame error: %v", f.Err)
		}
		out = append(out, f.Payload)
	}
	return out
}

// Every chunk size from 1 byte to the whole frame must yield the payload exactly once.
func TestReassemblerFragmentation(t *testing.T) {
	payload := []byte(`{"event":"calculate","data":{"a":10,"b":20},"requestId":"r1"}`)
	frame := Encode(payload)

	for step := 1; step <= len(frame); step++ {
		r := NewReassembler(0)
		var got [][]byte

		for i := 0; i < len(frame); i += step {
			end := i + step
			if end > len(frame) {
				end = len(frame)
			}
			frames, err := r.Feed(frame[i:end])
			if err != nil {
				t.Fatalf("step %d: Feed failed: %v", step, err)
			}
			got = append(got, payloads(t, frames)...)
		}

		if len(got) != 1 {
			t.Fatalf("step %d: expect 1 payload, got %d", step, len(got))
		}
		if !bytes.Equal(got[0], payload) {
			t.Fatalf("step %d: payload mismatch: %q", step, got[0])
		}
		if r.Buffered() != 0 {
			t.Fatalf("step %d: expect empty buffer, %d bytes left", step, r.Buffered())
		}
	}
}

// Splitting at every single boundary into two chunks.
func TestReassemblerEverySplitPoint(t *testing.T) {
	payload := []byte("split me anywhere")
	frame := Encode(payload)

	for cut := 0; cut <= len(frame); cut++ {
		r := NewReassembler(0)

		first, err := r.Feed(frame[:cut])
		if err != nil {
			t.Fatal(err)
		}
		if cut < len(frame) && len(first) != 0 {
			t.Fatalf("cut %d: frame yielded before all bytes arrived", cut)
		}
		if cut < len(frame) && r.Buffered() != cut {
			t.Fatalf("cut %d: partial bytes not preserved, buffered %d", cut, r.Buffered())
		}

		second, err := r.Feed(frame[cut:])
		if err != nil {
			t.Fatal(err)
		}
		got := payloads(t, append(first, second...))
		if len(got) != 1 || !bytes.Equal(got[0], payload) {
			t.Fatalf("cut %d: got %q", cut, got)
		}
	}
}

func TestReassemblerCoalescing(t *testing.T) {
	p1 := []byte(`{"event":"message","data":{"content":"one"},"requestId":"1"}`)
	p2 := []byte("two")
	p3 := []byte{}

	stream := append(append(Encode(p1), Encode(p2)...), Encode(p3)...)

	r := NewReassembler(0)
	frames, err := r.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}

	got := payloads(t, frames)
	want := [][]byte{p1, p2, p3}
	if len(got) != len(want) {
		t.Fatalf("expect %d payloads, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("payload %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestReassemblerCoalescedWithTail(t *testing.T) {
	f1 := Encode([]byte("first"))
	f2 := Encode([]byte("second"))

	r := NewReassembler(0)
	frames, err := r.Feed(append(f1, f2[:5]...))
	if err != nil {
		t.Fatal(err)
	}
	if got := payloads(t, frames); len(got) != 1 || string(got[0]) != "first" {
		t.Fatalf("expect [first], got %q", got)
	}
	if r.Buffered() != 5 {
		t.Fatalf("expect 5 buffered bytes, got %d", r.Buffered())
	}

	frames, err = r.Feed(f2[5:])
	if err != nil {
		t.Fatal(err)
	}
	if got := payloads(t, frames); len(got) != 1 || string(got[0]) != "second" {
		t.Fatalf("expect [second], got %q", got)
	}
}

// A corrupted frame is consumed and reported without stalling the frames behind it.
func TestReassemblerSkipsCorruptedFrame(t *testing.T) {
	good1 := Encode([]byte("good-1"))
	bad := Encode([]byte("bad"))
	bad[LengthSize+TypeSize] ^= 0xff
	good2 := Encode([]byte("good-2"))

	var stream []byte
	stream = append(stream, good1...)
	stream = append(stream, bad...)
	stream = append(stream, good2...)

	r := NewReassembler(0)
	frames, err := r.Feed(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("expect 3 frames, got %d", len(frames))
	}
	if frames[0].Err != nil || string(frames[0].Payload) != "good-1" {
		t.Errorf("frame 0: %+v", frames[0])
	}
	if !errors.Is(frames[1].Err, ErrIntegrityMismatch) {
		t.Errorf("frame 1: expect ErrIntegrityMismatch, got %v", frames[1].Err)
	}
	if frames[1].Payload != nil {
		t.Errorf("frame 1: corrupted payload must not be delivered")
	}
	if frames[2].Err != nil || string(frames[2].Payload) != "good-2" {
		t.Errorf("frame 2: %+v", frames[2])
	}
	if r.Buffered() != 0 {
		t.Errorf("expect empty buffer, got %d", r.Buffered())
	}
}

func TestReassemblerFrameTooLarge(t *testing.T) {
	r := NewReassembler(16)

	frames, err := r.Feed(Encode(bytes.Repeat([]byte("a"), 16)))
	if err != nil || len(frames) != 1 {
		t.Fatalf("frame at the limit should pass: frames=%d err=%v", len(frames), err)
	}

	_, err = r.Feed(Encode(bytes.Repeat([]byte("a"), 17)))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expect ErrFrameTooLarge, got %v", err)
	}
}

// With no limit, the largest possible header just waits for more bytes.
func TestReassemblerMaxHeaderUnlimited(t *testing.T) {
	r := NewReassembler(0)

	frames, err := r.Feed([]byte{0xFF, 0xFF, 0xFF, 0xFF, '0', '0'})
	if err != nil && !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("unexpected error %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("expect no frames, got %d", len(frames))
	}
	if err == nil && r.Buffered() != 6 {
		t.Fatalf("expect 6 buffered bytes, got %d", r.Buffered())
	}
}

func TestAnnouncedSize(t *testing.T) {
	size, ok := announcedSize(0)
	if !ok || size != Overhead {
		t.Fatalf("empty payload: got %d %v", size, ok)
	}

	size, ok = announcedSize(math.MaxUint32)
	want := uint64(math.MaxUint32) + Overhead
	if want > math.MaxInt {
		if ok {
			t.Fatalf("expect overflow to be reported, got %d", size)
		}
		return
	}
	if !ok || uint64(size) != want {
		t.Fatalf("got %d %v, want %d", size, ok, want)
	}
}

// Frames returned by Feed must stay valid after later feeds reuse the buffer.
func TestReassemblerFramesOutliveBuffer(t *testing.T) {
	r := NewReassembler(0)

	frames, err := r.Feed(Encode([]byte("keep me")))
	if err != nil {
		t.Fatal(err)
	}
	kept := frames[0].Payload

	for i := 0; i < 10; i++ {
		if _, err := r.Feed(Encode(bytes.Repeat([]byte{'x'}, 32))); err != nil {
			t.Fatal(err)
		}
	}
	if string(kept) != "keep me" {
		t.Fatalf("payload overwritten: %q", kept)
	}
}

func TestReassemblerReset(t *testing.T) {
	r := NewReassembler(0)
	frame := Encode([]byte("abc"))

	if _, err := r.Feed(frame[:6]); err != nil {
		t.Fatal(err)
	}
	r.Reset()
	if r.Buffered() != 0 {
		t.Fatalf("expect empty buffer after Reset, got %d", r.Buffered())
	}

	frames, err := r.Feed(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got := payloads(t, frames); len(got) != 1 || string(got[0]) != "abc" {
		t.Fatalf("expect [abc], got %q", got)
	}
}

// 64 frames arriving in 1 KiB chunks
func BenchmarkReassembler(b *testing.B) {
	payload := []byte(`{"event":"calculateResult","data":{"result":3},"requestId":"6f1c2a4e-8d3b-4f7a-9e21-0c5d7b8a9f10"}`)
	var stream []byte
	for i := 0; i < 64; i++ {
		stream = append(stream, Encode(payload)...)
	}
	b.SetBytes(int64(len(stream)))

	r := NewReassembler(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for off := 0; off < len(stream); off += 1024 {
			end := off + 1024
			if end > len(stream) {
				end = len(stream)
			}
			if _, err := r.Feed(stream[off:end]); err != nil {
				b.Fatal(err)
			}
		}
	}
}
