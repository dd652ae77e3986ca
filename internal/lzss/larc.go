// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lzss

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/bitstream"
	"github.com/elliotnunn/multiarc/internal/lzmatch"
)

// Variant is one of the fixed LZSS layouts that LArc introduced and LHA
// archives still carry. Unlike the Params layout, matches name an absolute
// position in a ring buffer that starts out prefilled, and the stream
// ends when the declared size has been produced.
type Variant uint8

const (
	// LZS is -lzs-: a 2 KiB ring of spaces, MSB-first bits, a one flag
	// before an 8-bit literal, a zero flag before an 11-bit position
	// and a 4-bit length from 2.
	LZS Variant = iota + 1
	// LZ5 is -lz5-: a 4 KiB patterned ring, a flag byte (LSB first, one
	// for a literal) ahead of every eight tokens, and two-byte matches
	// holding a 12-bit position and a 4-bit length from 3.
	LZ5
)

func (v Variant) String() string {
	switch v {
	case LZS:
		return "lzs"
	case LZ5:
		return "lz5"
	}
	return fmt.Sprintf("Variant(%d)", uint8(v))
}

func (v Variant) valid() bool { return v == LZS || v == LZ5 }

func (v Variant) ringSize() int {
	if v == LZS {
		return 1 << 11
	}
	return 1 << 12
}

func (v Variant) minMatch() int {
	if v == LZS {
		return 2
	}
	return 3
}

func (v Variant) maxMatch() int { return v.minMatch() + 15 }

// start is the ring index of the first byte produced.
func (v Variant) start() int {
	if v == LZS {
		return v.ringSize() - 17
	}
	return v.ringSize() - 18
}

func (v Variant) initRing() []byte {
	ring := make([]byte, v.ringSize())
	if v == LZS {
		for i := range ring {
			ring[i] = ' '
		}
		return ring
	}
	p := 0
	for c := range 256 {
		for range 13 {
			ring[p] = byte(c)
			p++
		}
	}
	for c := range 256 {
		ring[p] = byte(c)
		p++
	}
	for c := range 256 {
		ring[p] = byte(255 - c)
		p++
	}
	p += 128 // zeros
	for range 110 {
		ring[p] = ' '
		p++
	}
	return ring // and the last 18 bytes are zero
}

// VariantReader decodes a Variant stream of known length.
type VariantReader struct {
	v       Variant
	br      *bitstream.Reader // LZS
	src     io.ByteReader     // LZ5
	ring    []byte
	pos     int
	copyPos int
	pending int
	remain  int64

	flags  byte
	nflags int
	err    error
}

func NewVariantReader(r io.Reader, v Variant, size int64) (*VariantReader, error) {
	if !v.valid() || size < 0 {
		return nil, fmt.Errorf("%w: %v size %d", ErrParams, v, size)
	}
	vr := &VariantReader{v: v, ring: v.initRing(), pos: v.start(), remain: size}
	if v == LZS {
		vr.br = bitstream.NewReader(r, bitstream.MSBFirst)
	} else if br, ok := r.(io.ByteReader); ok {
		vr.src = br
	} else {
		vr.src = bufio.NewReader(r)
	}
	return vr, nil
}

func (r *VariantReader) put(b byte) {
	r.ring[r.pos] = b
	r.pos = (r.pos + 1) & (len(r.ring) - 1)
	r.remain--
}

func (r *VariantReader) Read(out []byte) (int, error) {
	n := 0
	mask := len(r.ring) - 1
	for n < len(out) && r.remain > 0 {
		if r.pending > 0 {
			b := r.ring[r.copyPos]
			r.copyPos = (r.copyPos + 1) & mask
			r.put(b)
			out[n] = b
			n++
			r.pending--
			continue
		}
		if r.err != nil {
			break
		}
		var (
			lit   byte
			isLit bool
		)
		if r.v == LZS {
			lit, isLit, r.err = r.tokenLZS()
		} else {
			lit, isLit, r.err = r.tokenLZ5()
		}
		if r.err == nil && isLit {
			r.put(lit)
			out[n] = lit
			n++
		}
	}
	if n > 0 {
		return n, nil
	}
	if r.remain == 0 {
		return 0, io.EOF
	}
	return 0, r.err
}

func (r *VariantReader) tokenLZS() (byte, bool, error) {
	flag, err := r.br.ReadBit()
	if err != nil {
		return 0, false, arcerr.Truncated(err)
	}
	if flag == 1 {
		lit, err := r.br.ReadBits(8)
		return byte(lit), true, arcerr.Truncated(err)
	}
	pos, err := r.br.ReadBits(11)
	if err != nil {
		return 0, false, arcerr.Truncated(err)
	}
	length, err := r.br.ReadBits(4)
	if err != nil {
		return 0, false, arcerr.Truncated(err)
	}
	r.copyPos = int(pos)
	r.pending = int(length) + r.v.minMatch()
	return 0, false, nil
}

func (r *VariantReader) tokenLZ5() (byte, bool, error) {
	if r.nflags == 0 {
		f, err := r.src.ReadByte()
		if err != nil {
			return 0, false, arcerr.Truncated(err)
		}
		r.flags, r.nflags = f, 8
	}
	literal := r.flags&1 != 0
	r.flags >>= 1
	r.nflags--

	c, err := r.src.ReadByte()
	if err != nil {
		return 0, false, arcerr.Truncated(err)
	}
	if literal {
		return c, true, nil
	}
	c2, err := r.src.ReadByte()
	if err != nil {
		return 0, false, arcerr.Truncated(err)
	}
	r.copyPos = int(c) | int(c2&0xf0)<<4
	r.pending = int(c2&0x0f) + r.v.minMatch()
	return 0, false, nil
}

// VariantWriter encodes a Variant stream. Matches only reach back into
// bytes it has written, never into the prefilled ring.
type VariantWriter struct {
	v      Variant
	f      *lzmatch.Finder
	w      io.Writer
	bw     *bitstream.Writer // LZS
	group  []byte            // LZ5: flag byte then up to eight tokens
	ntoks  int
	pos    int
	closed bool
}

func NewVariantWriter(w io.Writer, v Variant) (*VariantWriter, error) {
	if !v.valid() {
		return nil, fmt.Errorf("%w: %v", ErrParams, v)
	}
	vw := &VariantWriter{
		v:   v,
		f:   lzmatch.New(v.ringSize(), v.minMatch(), v.maxMatch()),
		w:   w,
		pos: v.start(),
	}
	if v == LZS {
		vw.bw = bitstream.NewWriter(w, bitstream.MSBFirst)
	}
	return vw, nil
}

func (w *VariantWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.f.Write(p)
	return len(p), w.emit(false)
}

func (w *VariantWriter) emit(final bool) error {
	mask := w.v.ringSize() - 1
	for {
		tok, ok := w.f.Next(final)
		if !ok {
			return nil
		}
		var err error
		if tok.Len == 0 {
			err = w.literal(tok.Lit)
			w.pos = (w.pos + 1) & mask
		} else {
			err = w.match((w.pos-tok.Dist)&mask, tok.Len)
			w.pos = (w.pos + tok.Len) & mask
		}
		if err != nil {
			return err
		}
	}
}

func (w *VariantWriter) literal(c byte) error {
	if w.v == LZS {
		return w.bw.WriteBits(0x100|uint(c), 9)
	}
	w.open()
	w.group[0] |= 1 << w.ntoks
	w.group = append(w.group, c)
	return w.token()
}

func (w *VariantWriter) match(pos, length int) error {
	n := length - w.v.minMatch()
	if w.v == LZS {
		w.bw.WriteBit(0)
		w.bw.WriteBits(uint(pos), 11)
		return w.bw.WriteBits(uint(n), 4)
	}
	w.open()
	w.group = append(w.group, byte(pos), byte(pos>>8)<<4|byte(n))
	return w.token()
}

func (w *VariantWriter) open() {
	if w.ntoks == 0 {
		w.group = append(w.group[:0], 0)
	}
}

func (w *VariantWriter) token() error {
	w.ntoks++
	if w.ntoks < 8 {
		return nil
	}
	return w.flushGroup()
}

func (w *VariantWriter) flushGroup() error {
	if w.ntoks == 0 {
		return nil
	}
	w.ntoks = 0
	_, err := w.w.Write(w.group)
	return err
}

// Close encodes any held-back input. It does not close the underlying writer.
func (w *VariantWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.emit(true); err != nil {
		return err
	}
	if w.v == LZS {
		return w.bw.Flush()
	}
	return w.flushGroup()
}

// CompressVariant and DecompressVariant work on whole buffers.
func CompressVariant(src []byte, v Variant) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewVariantWriter(&buf, v)
	if err != nil {
		return nil, err
	}
	w.Write(src)
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecompressVariant(src []byte, v Variant, size int64) ([]byte, error) {
	r, err := NewVariantReader(bytes.NewReader(src), v, size)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
