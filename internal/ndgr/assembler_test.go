package ndgr

import (
	"bytes"
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func prefixFrame(payload []byte) []byte {
	return append(protowire.AppendVarint(nil, uint64(len(payload))), payload...)
}

func TestAssemblerSplitFrames(t *testing.T) {
	frames := [][]byte{
		[]byte("first frame"),
		[]byte("second"),
		bytes.Repeat([]byte{0xab}, 300),
	}

	var stream []byte
	for _, f := range frames {
		stream = append(stream, prefixFrame(f)...)
	}
	tail := []byte{0x05, 'p', 'a'}
	stream = append(stream, tail...)

	// Feed in a spread of 3-way splits of the stream (cut points stepped
	// by 7 and 11) to exercise partial length prefixes and partial payloads.
	for i := 0; i <= len(stream); i += 7 {
		for j := i; j <= len(stream); j += 11 {
			a := NewAssembler(0)
			var got [][]byte
			for _, chunk := range [][]byte{stream[:i], stream[i:j], stream[j:]} {
				out, err := a.Feed(chunk)
				if err != nil {
					t.Fatalf("split (%d,%d): Feed: %v", i, j, err)
				}
				got = append(got, out...)
			}

			if len(got) != len(frames) {
				t.Fatalf("split (%d,%d): expected %d frames, got %d", i, j, len(frames), len(got))
			}
			for k := range frames {
				if !bytes.Equal(got[k], frames[k]) {
					t.Fatalf("split (%d,%d): frame %d mismatch", i, j, k)
				}
			}
			if a.Buffered() != len(tail) {
				t.Fatalf("split (%d,%d): expected %d buffered tail bytes, got %d", i, j, len(tail), a.Buffered())
			}
		}
	}
}

func TestAssemblerFrameTooLarge(t *testing.T) {
	a := NewAssembler(64)

	_, err := a.Feed(protowire.AppendVarint(nil, 65))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if a.Buffered() != 0 {
		t.Errorf("expected buffer discarded, %d bytes left", a.Buffered())
	}

	// The assembler stays usable after the discard.
	out, err := a.Feed(prefixFrame([]byte("ok")))
	if err != nil {
		t.Fatalf("Feed after discard: %v", err)
	}
	if len(out) != 1 || string(out[0]) != "ok" {
		t.Fatalf("expected recovery frame, got %v", out)
	}
}

func TestAssemblerEmptyFrame(t *testing.T) {
	a := NewAssembler(0)
	out, err := a.Feed([]byte{0x00})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 0 {
		t.Fatalf("expected one empty frame, got %v", out)
	}
}

func TestAssemblerMalformedPrefix(t *testing.T) {
	a := NewAssembler(0)
	_, err := a.Feed(bytes.Repeat([]byte{0x80}, 11))
	if err == nil {
		t.Fatal("expected error for an 11-byte continuation run")
	}
	if a.Buffered() != 0 {
		t.Errorf("expected buffer discarded, %d bytes left", a.Buffered())
	}
}
