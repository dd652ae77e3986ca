// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package lzss implements a bit-packed LZSS coder with configurable field widths.
//
// Each token starts with a flag bit. A zero flag is followed by an
// 8-bit literal; a one flag by the back-reference distance minus one
// (OffsetBits wide) and the match length minus the minimum match
// (LengthBits wide). Bits are packed most significant first.
//
// The stream has no end marker. The final byte is padded with zero bits,
// fewer than a literal token needs, so the decoder can tell padding from data.
package lzss

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/bitstream"
	"github.com/elliotnunn/multiarc/internal/lzmatch"
)

var (
	ErrParams   = errors.New("lzss: invalid parameters")
	ErrDistance = fmt.Errorf("%w: lzss: back-reference outside the window", arcerr.ErrCodec)
	ErrClosed   = errors.New("lzss: write after close")
)

type Params struct {
	WindowBits int // the window holds 2^WindowBits bytes
	OffsetBits int
	LengthBits int
}

// Default suits general data: a 4 KiB window and matches of up to 18 bytes,
// the classic LZSS shape.
var Default = Params{WindowBits: 12, OffsetBits: 12, LengthBits: 4}

func (p Params) Validate() error {
	if p.WindowBits < 1 || p.WindowBits > 24 ||
		p.OffsetBits < 1 || p.OffsetBits > 24 ||
		p.LengthBits < 1 || p.LengthBits > 16 {
		return fmt.Errorf("%w: %+v", ErrParams, p)
	}
	return nil
}

// MinMatch is the shortest match whose token is smaller than the literals it replaces.
func (p Params) MinMatch() int { return (1+p.OffsetBits+p.LengthBits)/9 + 1 }

func (p Params) MaxMatch() int { return p.MinMatch() + 1<<p.LengthBits - 1 }

// MaxDistance is the furthest back a match can reach.
func (p Params) MaxDistance() int { return min(1<<p.WindowBits, 1<<p.OffsetBits) }

type Writer struct {
	p      Params
	f      *lzmatch.Finder
	bw     *bitstream.Writer
	closed bool
}

func NewWriter(w io.Writer, p Params) (*Writer, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Writer{
		p:  p,
		f:  lzmatch.New(p.MaxDistance(), p.MinMatch(), p.MaxMatch()),
		bw: bitstream.NewWriter(w, bitstream.MSBFirst),
	}, nil
}

func (w *Writer) Write(b []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.f.Write(b)
	return len(b), w.emit(false)
}

func (w *Writer) emit(final bool) error {
	for {
		tok, ok := w.f.Next(final)
		if !ok {
			return nil
		}
		var err error
		if tok.Len == 0 {
			err = w.bw.WriteBits(uint(tok.Lit), 9) // flag 0 in the top bit
		} else {
			w.bw.WriteBit(1)
			w.bw.WriteBits(uint(tok.Dist-1), w.p.OffsetBits)
			err = w.bw.WriteBits(uint(tok.Len-w.p.MinMatch()), w.p.LengthBits)
		}
		if err != nil {
			return err
		}
	}
}

// Close encodes any held-back input and pads the final byte.
// It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.emit(true); err != nil {
		return err
	}
	return w.bw.Flush()
}

type Reader struct {
	p        Params
	br       *bitstream.Reader
	win      []byte
	pos      int   // next write index in win
	produced int64 // total bytes output, bounds back-references at the start
	dist     int
	pending  int // bytes left to copy from the current match
	err      error
}

func NewReader(r io.Reader, p Params) (*Reader, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Reader{
		p:   p,
		br:  bitstream.NewReader(r, bitstream.MSBFirst),
		win: make([]byte, 1<<p.WindowBits),
	}, nil
}

func (r *Reader) Read(out []byte) (int, error) {
	n := 0
	mask := len(r.win) - 1
	for n < len(out) {
		if r.pending > 0 {
			b := r.win[(r.pos-r.dist)&mask]
			r.win[r.pos] = b
			r.pos = (r.pos + 1) & mask
			out[n] = b
			n++
			r.pending--
			r.produced++
			continue
		}
		if r.err != nil {
			break
		}
		r.err = r.token()
		if r.err == nil && r.pending == 0 {
			// a literal landed at the previous window position
			out[n] = r.win[(r.pos-1)&mask]
			n++
		}
	}
	if n > 0 {
		return n, nil
	}
	return 0, r.err
}

// token decodes one token. A literal is written straight into the window,
// a match just sets up the pending copy.
func (r *Reader) token() error {
	flag, err := r.br.ReadBit()
	if err != nil {
		return err // io.EOF on a byte boundary is the clean end
	}
	if flag == 0 {
		lit, err := r.br.ReadBits(8)
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			if bits, _ := r.br.PendingBits(); err == io.ErrUnexpectedEOF && bits == 0 {
				return io.EOF // zero padding
			}
			return arcerr.Truncated(err)
		}
		r.win[r.pos] = byte(lit)
		r.pos = (r.pos + 1) & (len(r.win) - 1)
		r.produced++
		return nil
	}

	off, err := r.br.ReadBits(r.p.OffsetBits)
	if err != nil {
		return arcerr.Truncated(err)
	}
	length, err := r.br.ReadBits(r.p.LengthBits)
	if err != nil {
		return arcerr.Truncated(err)
	}
	dist := int(off) + 1
	if dist > len(r.win) || int64(dist) > r.produced {
		return fmt.Errorf("%w: distance %d with %d bytes of history", ErrDistance, dist, r.produced)
	}
	r.dist = dist
	r.pending = int(length) + r.p.MinMatch()
	return nil
}

func Compress(src []byte, p Params) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, p)
	if err != nil {
		return nil, err
	}
	w.Write(src)
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Decompress(src []byte, p Params) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(src), p)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
