package vio

import (
	"io"
)

type zeroesReader struct {
}

func (rdr *zeroesReader) Read(p []byte) (n int, err error) {

	if len(p) == 0 {
		return
	}
	p[0] = 0
	for bp := 1; bp < len(p); bp *= 2 {
		copy(p[bp:], p[:bp])
	}

	return len(p), nil
}

// Zeroes reads an endless stream of zero bytes.
var Zeroes = io.Reader(&zeroesReader{})

// Buffer is an in-memory io.WriteSeeker, for compiling images into memory
// during tests.
type Buffer struct {
	buf []byte
	off int64
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Write(p []byte) (int, error) {
	end := b.off + int64(len(p))
	if end > int64(len(b.buf)) {
		grown := make([]byte, end)
		copy(grown, b.buf)
		b.buf = grown
	}
	copy(b.buf[b.off:], p)
	b.off = end
	return len(p), nil
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.off + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, io.ErrUnexpectedEOF
	}
	if abs < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b.off = abs
	return abs, nil
}

// Bytes returns the written contents. The length covers the furthest
// write, not the current offset.
func (b *Buffer) Bytes() []byte {
	return b.buf
}
