// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package lzhuf implements the static-Huffman LZSS coder of LHA
// (methods -lh4- to -lh7-).
//
// The stream is a sequence of blocks. Each block gives its length in codes,
// then three canonical Huffman tables as code lengths: a small "T" table,
// a literal/length "C" table run-length coded with the T codes,
// and a distance "P" table. The codes follow. Literal/length symbols
// below 256 are bytes; the rest are match lengths from 3 up. A position code j
// stands for a distance of 1 when zero, otherwise 2^(j-1) plus j-1 more
// bits, plus one.
//
// Streams carry no end marker, so decoding needs the original size.
package lzhuf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/bitstream"
	"github.com/elliotnunn/multiarc/internal/huffman"
)

const (
	threshold = 3
	maxMatch  = 256
	nc        = 256 + maxMatch - threshold + 1 // 510 literal/length symbols
	cbit      = 9
	nt        = 19
	tbit      = 5
	tSpecial  = 3
	maxLen    = 16
	blockMax  = 1 << 14 // codes per block when encoding
)

var (
	ErrMethod   = fmt.Errorf("%w: lzhuf: unknown method", arcerr.ErrUnsupported)
	ErrTable    = fmt.Errorf("%w: lzhuf: malformed code-length table", arcerr.ErrCodec)
	ErrDistance = fmt.Errorf("%w: lzhuf: back-reference outside the window", arcerr.ErrCodec)
	ErrClosed   = errors.New("lzhuf: write after close")
)

type Method uint8

const (
	LH4 Method = iota + 4
	LH5
	LH6
	LH7
)

func (m Method) Valid() bool { return m >= LH4 && m <= LH7 }

func (m Method) String() string {
	if !m.Valid() {
		return fmt.Sprintf("Method(%d)", uint8(m))
	}
	return fmt.Sprintf("-lh%d-", uint8(m))
}

// ParseMethod accepts "-lh5-" or "lh5".
func ParseMethod(s string) (Method, error) {
	s = strings.Trim(strings.ToLower(s), "-")
	if len(s) == 3 && s[:2] == "lh" && s[2] >= '4' && s[2] <= '7' {
		return Method(s[2] - '0'), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrMethod, s)
}

// DictBits is log2 of the window size.
func (m Method) DictBits() int {
	switch m {
	case LH4:
		return 12
	case LH5:
		return 13
	case LH6:
		return 15
	}
	return 16
}

// np and pbit follow LHA: lh4 and lh5 share a 14-symbol position alphabet.
func (m Method) np() int {
	switch m {
	case LH4, LH5:
		return 14
	case LH6:
		return 16
	}
	return 17
}

func (m Method) pbit() int {
	if m.DictBits() <= 13 {
		return 4
	}
	return 5
}

type Reader struct {
	m      Method
	br     *bitstream.Reader
	win    []byte
	pos    int
	remain int64 // bytes still to produce
	seen   int64 // bytes produced, bounds back-references at the start

	blockLeft int // codes left in the current block
	cTree     *huffman.Tree
	pTree     *huffman.Tree

	dist    int
	pending int
	err     error
}

// NewReader decodes size bytes of method m from r.
func NewReader(r io.Reader, m Method, size int64) (*Reader, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrMethod, m)
	}
	return &Reader{
		m:      m,
		br:     bitstream.NewReader(r, bitstream.MSBFirst),
		win:    make([]byte, 1<<m.DictBits()),
		remain: size,
	}, nil
}

func (r *Reader) Read(out []byte) (int, error) {
	n := 0
	mask := len(r.win) - 1
	for n < len(out) && r.remain > 0 {
		if r.pending > 0 {
			b := r.win[(r.pos-r.dist)&mask]
			r.put(b)
			out[n] = b
			n++
			r.pending--
			continue
		}
		if r.err != nil {
			break
		}
		lit, isLit, err := r.code()
		if err != nil {
			r.err = err
			break
		}
		if isLit {
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

func (r *Reader) put(b byte) {
	r.win[r.pos] = b
	r.pos = (r.pos + 1) & (len(r.win) - 1)
	r.remain--
	r.seen++
}

// code decodes one literal, or sets up a pending match.
func (r *Reader) code() (byte, bool, error) {
	if r.blockLeft == 0 {
		if err := r.readTables(); err != nil {
			return 0, false, err
		}
	}
	r.blockLeft--

	c, err := r.cTree.Decode(r.br)
	if err != nil {
		return 0, false, err
	}
	if c < 256 {
		return byte(c), true, nil
	}
	if c >= nc {
		return 0, false, fmt.Errorf("%w: literal/length symbol %d", ErrTable, c)
	}
	j, err := r.pTree.Decode(r.br)
	if err != nil {
		return 0, false, err
	}
	if j >= r.m.np() {
		return 0, false, fmt.Errorf("%w: position symbol %d", ErrTable, j)
	}
	if j != 0 {
		extra, err := r.br.ReadBits(j - 1)
		if err != nil {
			return 0, false, arcerr.Truncated(err)
		}
		j = 1<<(j-1) + int(extra)
	}
	dist := j + 1
	if dist > len(r.win) || int64(dist) > r.seen {
		return 0, false, fmt.Errorf("%w: distance %d with %d bytes of history", ErrDistance, dist, r.seen)
	}
	r.dist = dist
	r.pending = c - 256 + threshold
	return 0, false, nil
}

func (r *Reader) readTables() error {
	size, err := r.br.ReadBits(16)
	if err != nil {
		return arcerr.Truncated(err)
	}
	r.blockLeft = int(size)
	if r.blockLeft == 0 {
		r.blockLeft = 1 << 16 // as LHA itself reads a zero count
	}

	tTree, err := r.readPtLen(nt, tbit, tSpecial)
	if err != nil {
		return err
	}
	if r.cTree, err = r.readCLen(tTree); err != nil {
		return err
	}
	r.pTree, err = r.readPtLen(r.m.np(), r.m.pbit(), -1)
	return err
}

func (r *Reader) readPtLen(nn, nbit, special int) (*huffman.Tree, error) {
	n, err := r.br.ReadBits(nbit)
	if err != nil {
		return nil, arcerr.Truncated(err)
	}
	if n == 0 {
		c, err := r.br.ReadBits(nbit)
		if err != nil {
			return nil, arcerr.Truncated(err)
		}
		if int(c) >= nn {
			return nil, fmt.Errorf("%w: single symbol %d of %d", ErrTable, c, nn)
		}
		return huffman.Single(int(c)), nil
	}
	if int(n) > nn {
		return nil, fmt.Errorf("%w: %d lengths for %d symbols", ErrTable, n, nn)
	}

	lengths := make([]uint8, nn)
	for i := 0; i < int(n); {
		c, err := r.br.ReadBits(3)
		if err != nil {
			return nil, arcerr.Truncated(err)
		}
		if c == 7 {
			for {
				bit, err := r.br.ReadBit()
				if err != nil {
					return nil, arcerr.Truncated(err)
				}
				if bit == 0 {
					break
				}
				if c++; c > maxLen {
					return nil, fmt.Errorf("%w: code length over %d", ErrTable, maxLen)
				}
			}
		}
		lengths[i] = uint8(c)
		i++
		if i == special {
			z, err := r.br.ReadBits(2)
			if err != nil {
				return nil, arcerr.Truncated(err)
			}
			for ; z > 0 && i < nn; z-- {
				lengths[i] = 0
				i++
			}
		}
	}
	return r.tree(lengths)
}

func (r *Reader) readCLen(tTree *huffman.Tree) (*huffman.Tree, error) {
	n, err := r.br.ReadBits(cbit)
	if err != nil {
		return nil, arcerr.Truncated(err)
	}
	if n == 0 {
		c, err := r.br.ReadBits(cbit)
		if err != nil {
			return nil, arcerr.Truncated(err)
		}
		if int(c) >= nc {
			return nil, fmt.Errorf("%w: single symbol %d of %d", ErrTable, c, nc)
		}
		return huffman.Single(int(c)), nil
	}
	if int(n) > nc {
		return nil, fmt.Errorf("%w: %d lengths for %d symbols", ErrTable, n, nc)
	}

	lengths := make([]uint8, nc)
	for i := 0; i < int(n); {
		c, err := tTree.Decode(r.br)
		if err != nil {
			return nil, err
		}
		if c > 2 {
			if c >= nt {
				return nil, fmt.Errorf("%w: T symbol %d", ErrTable, c)
			}
			lengths[i] = uint8(c - 2)
			i++
			continue
		}
		run := 1
		switch c {
		case 1:
			x, err := r.br.ReadBits(4)
			if err != nil {
				return nil, arcerr.Truncated(err)
			}
			run = int(x) + 3
		case 2:
			x, err := r.br.ReadBits(cbit)
			if err != nil {
				return nil, arcerr.Truncated(err)
			}
			run = int(x) + 20
		}
		if i+run > nc {
			return nil, fmt.Errorf("%w: zero run past the alphabet", ErrTable)
		}
		i += run // lengths are already zero
	}
	return r.tree(lengths)
}

func (r *Reader) tree(lengths []uint8) (*huffman.Tree, error) {
	t, err := huffman.New(lengths)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTable, err)
	}
	return t, nil
}

// Decompress decodes exactly size bytes.
func Decompress(src []byte, m Method, size int64) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(src), m, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return buf.Bytes(), err
	}
	if int64(buf.Len()) != size {
		return buf.Bytes(), arcerr.Truncated(io.ErrUnexpectedEOF)
	}
	return buf.Bytes(), nil
}
