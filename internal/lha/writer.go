// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lha

import (
	"bytes"
	"io"

	"github.com/elliotnunn/multiarc/internal/checksum"
	"github.com/elliotnunn/multiarc/internal/lzhuf"
	"github.com/elliotnunn/multiarc/internal/lzss"
)

// Writer writes an LHA archive. Headers carry the packed size and CRC,
// so each payload is held until the entry is flushed, then compressed.
// When compression does not shrink a payload it is stored as -lh0-.
type Writer struct {
	w      io.Writer
	method string
	level  int
	cur    *Header
	buf    bytes.Buffer
	closed bool
	err    error
}

// NewWriter writes headers of the given level. Entries whose header
// names no method are compressed with method, such as LH5.
func NewWriter(w io.Writer, method string, level int) *Writer {
	return &Writer{w: w, method: method, level: level}
}

// WriteHeader finishes the current entry and starts h. Directories and
// symlinks carry no payload.
func (lw *Writer) WriteHeader(h *Header) error {
	if err := lw.Flush(); err != nil {
		return err
	}
	hh := *h
	if hh.Method == "" {
		hh.Method = lw.method
	}
	hh.Level = lw.level
	if hh.IsDir() || hh.IsSymlink() {
		hh.Method = LHD
	}
	if _, larc := hh.larc(); !larc && !hh.Stored() {
		if _, err := hh.Codec(); err != nil {
			return err
		}
	}
	lw.cur = &hh
	lw.buf.Reset()
	return nil
}

func (lw *Writer) Write(p []byte) (int, error) {
	if lw.closed {
		return 0, ErrClosed
	}
	if lw.err != nil {
		return 0, lw.err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if lw.cur == nil || lw.cur.Method == LHD {
		return 0, ErrHeader
	}
	return lw.buf.Write(p)
}

// Flush compresses and writes the current entry.
func (lw *Writer) Flush() error {
	if lw.closed {
		return ErrClosed
	}
	if lw.err != nil || lw.cur == nil {
		return lw.err
	}
	h := lw.cur
	lw.cur = nil
	raw := lw.buf.Bytes()
	h.Size = int64(len(raw))
	h.CRC, h.HasCRC = checksum.CRC16Of(raw), true

	packed := raw
	if !h.Stored() {
		c, err := compress(raw, h)
		if err != nil {
			lw.err = err
			return err
		}
		if len(c) < len(raw) {
			packed = c
		} else {
			h.Method = LH0
		}
	}
	h.PackedSize = int64(len(packed))
	b, err := h.marshal()
	if err != nil {
		return err
	}
	if _, err := lw.w.Write(append(b, packed...)); err != nil {
		lw.err = err
		return err
	}
	return nil
}

func compress(raw []byte, h *Header) ([]byte, error) {
	if v, ok := h.larc(); ok {
		return lzss.CompressVariant(raw, v)
	}
	m, err := h.Codec()
	if err != nil {
		return nil, err
	}
	return lzhuf.Compress(raw, m)
}

// Close flushes the last entry and writes the end mark.
// It does not close the underlying writer.
func (lw *Writer) Close() error {
	if lw.closed {
		return nil
	}
	if err := lw.Flush(); err != nil {
		return err
	}
	lw.closed = true
	if err := WriteEndMark(lw.w); err != nil {
		lw.err = err
		return err
	}
	return nil
}
