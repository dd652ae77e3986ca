// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lzhuf

import (
	"bytes"
	"io"
	"math/bits"

	"github.com/elliotnunn/multiarc/internal/bitstream"
	"github.com/elliotnunn/multiarc/internal/huffman"
	"github.com/elliotnunn/multiarc/internal/lzmatch"
)

type Writer struct {
	m      Method
	f      *lzmatch.Finder
	bw     *bitstream.Writer
	toks   []lzmatch.Token
	closed bool
}

// NewWriter compresses to w. Close must be called to emit the final block.
func NewWriter(w io.Writer, m Method) (*Writer, error) {
	if !m.Valid() {
		return nil, ErrMethod
	}
	return &Writer{
		m:    m,
		f:    lzmatch.New(1<<m.DictBits(), threshold, maxMatch),
		bw:   bitstream.NewWriter(w, bitstream.MSBFirst),
		toks: make([]lzmatch.Token, 0, blockMax),
	}, nil
}

func (w *Writer) Write(b []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.f.Write(b)
	return len(b), w.collect(false)
}

func (w *Writer) collect(final bool) error {
	for {
		tok, ok := w.f.Next(final)
		if !ok {
			return nil
		}
		w.toks = append(w.toks, tok)
		if len(w.toks) == blockMax {
			if err := w.block(); err != nil {
				return err
			}
		}
	}
}

// Close flushes the last block. It does not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.collect(true); err != nil {
		return err
	}
	if len(w.toks) > 0 {
		if err := w.block(); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

// posCode splits distance-1 into its position symbol and extra bits.
func posCode(dist int) (int, uint, int) {
	p := uint(dist - 1)
	j := bits.Len(p)
	if j <= 1 {
		return j, 0, 0
	}
	return j, p & (1<<(j-1) - 1), j - 1
}

type table struct {
	lengths []uint8
	codes   []uint32
	single  int // the symbol of a one-symbol alphabet, or -1
}

func makeTable(freq []uint32) table {
	t := table{lengths: huffman.Lengths(freq, maxLen), single: -1}
	used := 0
	for sym, f := range freq {
		if f > 0 {
			used++
			t.single = sym
		}
	}
	switch used {
	case 0:
		t.single = 0
	case 1:
	default:
		t.single = -1
		t.codes = huffman.Codes(t.lengths)
	}
	return t
}

func (t table) put(bw *bitstream.Writer, sym int) {
	if t.single < 0 {
		bw.WriteBits(uint(t.codes[sym]), int(t.lengths[sym]))
	}
}

func (w *Writer) block() error {
	np := w.m.np()
	cfreq := make([]uint32, nc)
	pfreq := make([]uint32, np)
	for _, tok := range w.toks {
		if tok.Len == 0 {
			cfreq[tok.Lit]++
			continue
		}
		cfreq[tok.Len-threshold+256]++
		j, _, _ := posCode(tok.Dist)
		pfreq[j]++
	}
	c := makeTable(cfreq)
	p := makeTable(pfreq)

	bw := w.bw
	bw.WriteBits(uint(len(w.toks)), 16)
	if c.single >= 0 {
		bw.WriteBits(0, tbit)
		bw.WriteBits(0, tbit)
		bw.WriteBits(0, cbit)
		bw.WriteBits(uint(c.single), cbit)
	} else {
		t := makeTable(tFreq(c.lengths))
		if t.single >= 0 {
			bw.WriteBits(0, tbit)
			bw.WriteBits(uint(t.single), tbit)
		} else {
			writePtLen(bw, t.lengths, tbit, tSpecial)
		}
		writeCLen(bw, c.lengths, t)
	}
	if p.single >= 0 {
		bw.WriteBits(0, w.m.pbit())
		bw.WriteBits(uint(p.single), w.m.pbit())
	} else {
		writePtLen(bw, p.lengths, w.m.pbit(), -1)
	}

	for _, tok := range w.toks {
		if tok.Len == 0 {
			c.put(bw, int(tok.Lit))
			continue
		}
		c.put(bw, tok.Len-threshold+256)
		j, extra, n := posCode(tok.Dist)
		p.put(bw, j)
		if n > 0 {
			bw.WriteBits(extra, n)
		}
	}
	w.toks = w.toks[:0]
	return bw.WriteBits(0, 0)
}

// trimmed drops trailing unused symbols.
func trimmed(lengths []uint8) []uint8 {
	n := len(lengths)
	for n > 0 && lengths[n-1] == 0 {
		n--
	}
	return lengths[:n]
}

// zeroRuns calls fn for each element of the C length table as the T alphabet
// sees it: a T symbol and, for run codes, the extra bits.
func zeroRuns(lengths []uint8, fn func(sym int, extra uint, n int)) {
	lengths = trimmed(lengths)
	for i := 0; i < len(lengths); {
		k := lengths[i]
		i++
		if k != 0 {
			fn(int(k)+2, 0, 0)
			continue
		}
		count := 1
		for i < len(lengths) && lengths[i] == 0 {
			i++
			count++
		}
		switch {
		case count <= 2:
			for range count {
				fn(0, 0, 0)
			}
		case count <= 18:
			fn(1, uint(count-3), 4)
		case count == 19:
			fn(0, 0, 0)
			fn(1, 15, 4)
		default:
			fn(2, uint(count-20), cbit)
		}
	}
}

func tFreq(clen []uint8) []uint32 {
	freq := make([]uint32, nt)
	zeroRuns(clen, func(sym int, _ uint, _ int) { freq[sym]++ })
	return freq
}

func writeCLen(bw *bitstream.Writer, clen []uint8, t table) {
	bw.WriteBits(uint(len(trimmed(clen))), cbit)
	zeroRuns(clen, func(sym int, extra uint, n int) {
		t.put(bw, sym)
		if n > 0 {
			bw.WriteBits(extra, n)
		}
	})
}

func writePtLen(bw *bitstream.Writer, lengths []uint8, nbit, special int) {
	lengths = trimmed(lengths)
	bw.WriteBits(uint(len(lengths)), nbit)
	for i := 0; i < len(lengths); {
		k := int(lengths[i])
		i++
		if k <= 6 {
			bw.WriteBits(uint(k), 3)
		} else {
			bw.WriteBits(1<<(k-3)-2, k-3)
		}
		if i == special {
			for i < 6 && (i >= len(lengths) || lengths[i] == 0) {
				i++
			}
			bw.WriteBits(uint(i-special), 2)
		}
	}
}

func Compress(src []byte, m Method) ([]byte, error) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, m)
	if err != nil {
		return nil, err
	}
	w.Write(src)
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
