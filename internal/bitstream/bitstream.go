// Package bitstream reads and writes variable-width bit fields over byte streams.
package bitstream

import (
	"bufio"
	"errors"
	"io"
)

// Order is the order in which bits are packed into each byte.
type Order uint8

const (
	// MSBFirst fills each byte from its most significant bit down ("left to right").
	// Multi-bit fields are read most significant bit first.
	MSBFirst Order = iota
	// LSBFirst fills each byte from its least significant bit up ("right to left").
	// Multi-bit fields are read least significant bit first.
	LSBFirst
)

var ErrTooWide = errors.New("bitstream: at most 32 bits per call")

// BitReader is the interface the codecs decode from.
type BitReader interface {
	io.ByteReader
	ReadBit() (uint, error)
	ReadBits(n int) (uint, error)
}

type Reader struct {
	r     io.ByteReader
	order Order
	acc   uint64 // buffered bits, next bit at the top (MSB) or bottom (LSB)
	n     uint   // number of valid bits in acc
	err   error
}

func NewReader(r io.Reader, order Order) *Reader {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, order: order}
}

// fill makes at least want bits available, or reports why it can't.
func (r *Reader) fill(want uint) error {
	for r.n < want {
		if r.err != nil {
			return r.err
		}
		b, err := r.r.ReadByte()
		if err != nil {
			r.err = err
			return err
		}
		if r.order == MSBFirst {
			r.acc |= uint64(b) << (56 - r.n)
		} else {
			r.acc |= uint64(b) << r.n
		}
		r.n += 8
	}
	return nil
}

func (r *Reader) ReadBit() (uint, error) { return r.ReadBits(1) }

// ReadBits reads an n-bit field.
// Running out of input part way through returns io.ErrUnexpectedEOF,
// but running out before the first bit returns io.EOF.
func (r *Reader) ReadBits(n int) (uint, error) {
	if n == 0 {
		return 0, nil
	}
	if n < 0 || n > 32 {
		return 0, ErrTooWide
	}
	if err := r.fill(uint(n)); err != nil {
		if err == io.EOF && r.n > 0 {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	var v uint64
	if r.order == MSBFirst {
		v = r.acc >> (64 - uint(n))
		r.acc <<= uint(n)
	} else {
		v = r.acc & (1<<uint(n) - 1)
		r.acc >>= uint(n)
	}
	r.n -= uint(n)
	return uint(v), nil
}

// PendingBits returns the bits buffered but not yet consumed, and how many there are.
// They are right-aligned in the result whatever the order.
func (r *Reader) PendingBits() (uint64, uint) {
	if r.order == MSBFirst {
		if r.n == 0 {
			return 0, 0
		}
		return r.acc >> (64 - r.n), r.n
	}
	return r.acc, r.n
}

// Align discards bits up to the next byte boundary.
func (r *Reader) Align() {
	drop := r.n % 8
	if r.order == MSBFirst {
		r.acc <<= drop
	} else {
		r.acc >>= drop
	}
	r.n -= drop
}

// ReadByte reads 8 bits, which need not be byte-aligned.
func (r *Reader) ReadByte() (byte, error) {
	v, err := r.ReadBits(8)
	return byte(v), err
}

type Writer struct {
	w     io.Writer
	order Order
	acc   uint64
	n     uint
	buf   []byte
	err   error
}

func NewWriter(w io.Writer, order Order) *Writer {
	return &Writer{w: w, order: order, buf: make([]byte, 0, 4096)}
}

func (w *Writer) WriteBit(b uint) error { return w.WriteBits(b&1, 1) }

// WriteBits writes the low n bits of v.
func (w *Writer) WriteBits(v uint, n int) error {
	if n < 0 || n > 32 {
		return ErrTooWide
	}
	if w.err != nil {
		return w.err
	}
	v64 := uint64(v) & (1<<uint(n) - 1)
	if w.order == MSBFirst {
		w.acc |= v64 << (64 - w.n - uint(n))
	} else {
		w.acc |= v64 << w.n
	}
	w.n += uint(n)
	for w.n >= 8 {
		if w.order == MSBFirst {
			w.buf = append(w.buf, byte(w.acc>>56))
			w.acc <<= 8
		} else {
			w.buf = append(w.buf, byte(w.acc))
			w.acc >>= 8
		}
		w.n -= 8
	}
	if len(w.buf) >= cap(w.buf)-8 {
		return w.drain()
	}
	return nil
}

func (w *Writer) drain() error {
	if len(w.buf) == 0 || w.err != nil {
		return w.err
	}
	_, w.err = w.w.Write(w.buf)
	w.buf = w.buf[:0]
	return w.err
}

// Flush pads any partial byte with zero bits and writes out everything buffered.
func (w *Writer) Flush() error {
	if w.n > 0 {
		if err := w.WriteBits(0, int(8-w.n)); err != nil {
			return err
		}
	}
	return w.drain()
}

// Pending reports how many bits sit in the partial final byte.
func (w *Writer) Pending() uint { return w.n }
