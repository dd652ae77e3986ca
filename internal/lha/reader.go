// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lha

import (
	"errors"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/checksum"
	"github.com/elliotnunn/multiarc/internal/lzhuf"
	"github.com/elliotnunn/multiarc/internal/lzss"
)

// Reader walks the entries of an LHA stream, decoding each payload
// and checking its CRC-16 when the last byte is read.
type Reader struct {
	r    io.Reader
	raw  *io.LimitedReader // the packed payload
	data io.Reader
	err  error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next skips the rest of the current entry and reads the next header.
// It returns io.EOF at the end mark.
func (lr *Reader) Next() (*Header, error) {
	if lr.err != nil {
		return nil, lr.err
	}
	if lr.raw != nil {
		if _, err := io.CopyN(io.Discard, lr.raw.R, lr.raw.N); err != nil {
			lr.err = arcerr.Truncated(err)
			return nil, lr.err
		}
		lr.raw, lr.data = nil, nil
	}

	h, err := ReadHeader(lr.r)
	if err != nil {
		lr.err = err
		return nil, err
	}
	lr.raw = &io.LimitedReader{R: lr.r, N: h.PackedSize}
	lr.data, err = Decoder(lr.raw, h)
	if err != nil {
		// the entry can still be listed and skipped
		lr.data = errReader{err}
	}
	return h, nil
}

// Decoder returns the decoded payload of h read from the packed bytes in r.
func Decoder(r io.Reader, h *Header) (io.Reader, error) {
	var dec io.Reader
	if v, ok := h.larc(); ok {
		lr, err := lzss.NewVariantReader(r, v, h.Size)
		if err != nil {
			return nil, err
		}
		dec = lr
	} else if h.Stored() {
		dec = r
	} else {
		m, err := h.Codec()
		if err != nil {
			return nil, err
		}
		if dec, err = lzhuf.NewReader(r, m, h.Size); err != nil {
			return nil, err
		}
	}
	if h.HasCRC {
		return checksum.NewVerifier(dec, h.Size, checksum.CRC16, uint32(h.CRC)), nil
	}
	return io.LimitReader(dec, h.Size), nil
}

// Read reads the decoded payload of the current entry.
func (lr *Reader) Read(p []byte) (int, error) {
	if lr.err != nil {
		return 0, lr.err
	}
	if lr.data == nil {
		return 0, io.EOF
	}
	n, err := lr.data.Read(p)
	if err != nil && err != io.EOF {
		// a bad payload spoils only this entry, a short stream the rest too
		err = arcerr.Truncated(err)
		if errors.Is(err, arcerr.ErrTruncated) {
			lr.err = err
		}
	}
	return n, err
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }
