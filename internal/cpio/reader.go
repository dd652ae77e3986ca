// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package cpio

import (
	"fmt"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/checksum"
)

const maxLinkSize = 1 << 16

type inodeKey struct {
	major, minor, ino int64
}

// Reader walks the entries of a cpio stream. Each entry's variant is
// detected from its own magic.
type Reader struct {
	r      io.Reader
	data   io.Reader // the current payload
	remain int64
	pad    int64
	seen   map[inodeKey]string
	err    error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, seen: make(map[inodeKey]string)}
}

// Next skips the rest of the current entry and reads the next header.
// It returns io.EOF after the trailer.
func (cr *Reader) Next() (*Header, error) {
	if cr.err != nil {
		return nil, cr.err
	}
	if _, err := io.CopyN(io.Discard, cr.r, cr.remain+cr.pad); err != nil {
		cr.err = arcerr.Truncated(err)
		return nil, cr.err
	}
	cr.remain, cr.pad = 0, 0

	h, err := ReadHeader(cr.r)
	if err != nil {
		cr.err = err
		return nil, err
	}
	cr.pad = DataPad(h.Variant, h.Size)

	if h.IsSymlink() {
		if h.Size > maxLinkSize {
			cr.err = fmt.Errorf("%w: symlink target of %d bytes", ErrHeader, h.Size)
			return nil, cr.err
		}
		target := make([]byte, h.Size)
		if _, err := io.ReadFull(cr.r, target); err != nil {
			cr.err = arcerr.Truncated(err)
			return nil, cr.err
		}
		if h.Variant == CRC {
			sum := checksum.New(checksum.Sum32)
			sum.Write(target)
			if sum.Sum32() != h.Checksum {
				cr.err = fmt.Errorf("%w: symlink %s", checksum.ErrMismatch, h.Name)
				return nil, cr.err
			}
		}
		h.Linkname = string(target)
		cr.data = eofReader{}
		return h, nil
	}

	// An empty entry sharing an earlier inode is reported as a hard link to it.
	if h.Mode&modeType == modeReg {
		key := inodeKey{h.DevMajor, h.DevMinor, h.Inode}
		if first, ok := cr.seen[key]; ok && h.Nlink > 1 && h.Size == 0 {
			h.Linkname = first
		} else if !ok {
			cr.seen[key] = h.Name
		}
	}

	cr.remain = h.Size
	if h.Variant == CRC {
		cr.data = checksum.NewVerifier(cr.r, h.Size, checksum.Sum32, h.Checksum)
	} else {
		cr.data = io.LimitReader(cr.r, h.Size)
	}
	return h, nil
}

// Read reads the current payload. In the CRC variant the read that
// completes the payload fails if the byte sum disagrees with the header.
func (cr *Reader) Read(p []byte) (int, error) {
	if cr.err != nil {
		return 0, cr.err
	}
	if cr.remain == 0 || cr.data == nil {
		return 0, io.EOF
	}
	n, err := cr.data.Read(p)
	cr.remain -= int64(n)
	switch {
	case err == io.EOF && cr.remain > 0:
		err = arcerr.Truncated(io.ErrUnexpectedEOF)
		cr.err = err
	case err == io.EOF:
	case err != nil:
		err = arcerr.Truncated(err)
		cr.err = err
	}
	return n, err
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
