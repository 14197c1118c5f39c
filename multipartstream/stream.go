// Package multipartstream implements the MultipartOutputStream (C8):
// a buffer that guarantees every chunk emitted to a downstream sink
// (except the final flush) is a whole multiple of the cipher's block
// size, so that independently-uploaded MPU parts remain decryptable
// when reassembled server-side.
package multipartstream

import (
	"fmt"
	"io"
)

// Stream buffers trailing, non-block-aligned bytes across calls to
// SetNext so that every sink it writes to (save the very last, via
// ForceFlush) receives a whole multiple of blockSize bytes.
type Stream struct {
	blockSize int
	buf       []byte
	sink      io.Writer
}

// New returns a Stream enforcing alignment to blockSize. blockSize
// must be the cipher's block size (1 disables alignment entirely,
// for AEAD ciphers that have no block-boundary constraint).
func New(blockSize int) (*Stream, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("multipartstream: blockSize must be positive, got %d", blockSize)
	}
	return &Stream{blockSize: blockSize}, nil
}

// SetNext switches the current downstream sink without emitting
// whatever is currently buffered; the buffered tail carries over and
// is prefixed to the next Write.
func (s *Stream) SetNext(sink io.Writer) {
	s.sink = sink
}

// Write appends p to the internal buffer, immediately writing every
// whole block to the current sink and retaining any sub-block
// remainder for the next Write or sink switch. Bytes passed to Write
// appear in order on the concatenation of sinks.
func (s *Stream) Write(p []byte) (int, error) {
	if s.sink == nil {
		return 0, fmt.Errorf("multipartstream: Write called before SetNext")
	}
	s.buf = append(s.buf, p...)

	alignedLen := (len(s.buf) / s.blockSize) * s.blockSize
	if alignedLen > 0 {
		if _, err := s.sink.Write(s.buf[:alignedLen]); err != nil {
			return 0, fmt.Errorf("multipartstream: writing aligned block: %w", err)
		}
		remainder := make([]byte, len(s.buf)-alignedLen)
		copy(remainder, s.buf[alignedLen:])
		s.buf = remainder
	}
	return len(p), nil
}

// FlushBuffer emits the buffered tail to the current sink, but only
// if it is already block-aligned (i.e. empty, since Write never
// leaves a whole block buffered). A sub-block tail is refused with an
// error and stays buffered; ForceFlush is the call that emits one.
func (s *Stream) FlushBuffer() error {
	if len(s.buf)%s.blockSize != 0 {
		return fmt.Errorf("multipartstream: cannot flush %d buffered bytes, not a multiple of block size %d", len(s.buf), s.blockSize)
	}
	if len(s.buf) == 0 {
		return nil
	}
	if s.sink == nil {
		return fmt.Errorf("multipartstream: FlushBuffer called before SetNext")
	}
	if _, err := s.sink.Write(s.buf); err != nil {
		return fmt.Errorf("multipartstream: flushing buffer: %w", err)
	}
	s.buf = nil
	return nil
}

// ForceFlush emits whatever is buffered to the current sink
// regardless of alignment. It is used only at the true end of an
// object's ciphertext (the final part, or a single-part upload),
// where there is no further sink to receive a held-over remainder.
func (s *Stream) ForceFlush() error {
	if len(s.buf) == 0 {
		return nil
	}
	if s.sink == nil {
		return fmt.Errorf("multipartstream: ForceFlush called before SetNext")
	}
	if _, err := s.sink.Write(s.buf); err != nil {
		return fmt.Errorf("multipartstream: force-flushing buffer: %w", err)
	}
	s.buf = nil
	return nil
}

// Buffered returns the number of bytes currently held back pending
// alignment.
func (s *Stream) Buffered() int {
	return len(s.buf)
}
