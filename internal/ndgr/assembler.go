package ndgr

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gatsunoko/komebyu/internal/constants"
)

// Assembler turns arbitrary byte chunks from an HTTP body stream into
// complete length-prefixed frames. Partial trailing bytes, including a
// partially received length varint, carry over to the next Feed call.
type Assembler struct {
	buf     []byte
	maxSize uint64
}

// NewAssembler creates an Assembler with the given frame size bound;
// zero means the default bound.
func NewAssembler(maxSize uint64) *Assembler {
	if maxSize == 0 {
		maxSize = constants.MaxFrameSize
	}
	return &Assembler{maxSize: maxSize}
}

// Feed appends a chunk and returns every complete frame now available,
// in order. When a length prefix exceeds the size bound the buffered
// stream tail is discarded and a recoverable error is returned; the
// assembler stays usable for subsequent chunks.
func (a *Assembler) Feed(chunk []byte) ([][]byte, error) {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for {
		length, n := protowire.ConsumeVarint(a.buf)
		if n < 0 {
			// A varint never exceeds 10 bytes: anything longer is
			// corrupt, shorter is a partial prefix awaiting more data.
			if len(a.buf) >= 10 {
				a.buf = nil
				return frames, fmt.Errorf("ndgr: malformed frame length prefix")
			}
			return frames, nil
		}
		if length > a.maxSize {
			a.buf = nil
			return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}
		if uint64(len(a.buf)-n) < length {
			return frames, nil
		}
		frame := make([]byte, length)
		copy(frame, a.buf[n:n+int(length)])
		frames = append(frames, frame)
		a.buf = a.buf[n+int(length):]
	}
}

// Buffered returns the number of bytes awaiting completion.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}

// Reset discards any buffered partial frame.
func (a *Assembler) Reset() {
	a.buf = nil
}
