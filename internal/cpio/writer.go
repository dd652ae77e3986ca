// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package cpio

import (
	"bytes"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/elliotnunn/multiarc/internal/checksum"
)

// blockSize is what the finished archive is padded to, as cpio(1) does.
const blockSize = 512

// Writer writes a cpio archive in one variant.
//
// Entries without an inode number get one hashed from the name, so
// that readers which match hard links by inode see distinct files.
// A hard link (Linkname set on a non-symlink) reuses its target's
// inode and carries no payload.
type Writer struct {
	w       io.Writer
	v       Variant
	n       int64 // bytes written so far
	cur     *Header
	remain  int64
	pending bytes.Buffer // CRC payload, held until its sum is known
	inodes  map[string]int64
	closed  bool
	err     error
}

func NewWriter(w io.Writer, v Variant) *Writer {
	return &Writer{w: w, v: v, inodes: make(map[string]int64)}
}

func (cw *Writer) write(b []byte) error {
	if cw.err != nil {
		return cw.err
	}
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	cw.err = err
	return err
}

// WriteHeader finishes the current entry and starts h.
func (cw *Writer) WriteHeader(h *Header) error {
	if err := cw.Flush(); err != nil {
		return err
	}
	hh := *h
	hh.Variant = cw.v
	if hh.Nlink == 0 {
		hh.Nlink = 1
		if hh.Mode&modeType == modeDir {
			hh.Nlink = 2
		}
	}
	if hh.IsSymlink() {
		hh.Size = int64(len(hh.Linkname))
	} else if hh.Linkname != "" {
		if ino, ok := cw.inodes[hh.Linkname]; ok && hh.Inode == 0 {
			hh.Inode = ino
		}
		hh.Size = 0
		hh.Nlink = max(hh.Nlink, 2)
	}
	if hh.Inode == 0 {
		hh.Inode = cw.inodeFor(hh.Name)
	}
	cw.inodes[hh.Name] = hh.Inode

	cw.cur = &hh
	cw.remain = hh.Size
	cw.pending.Reset()
	if cw.v != CRC {
		if err := cw.writeCurrentHeader(); err != nil {
			return err
		}
	}
	if hh.IsSymlink() {
		_, err := cw.Write([]byte(hh.Linkname))
		return err
	}
	return nil
}

// inodeFor hashes a name into the range the variant can hold, avoiding 0.
func (cw *Writer) inodeFor(name string) int64 {
	var mask uint64
	switch cw.v {
	case BinaryLE, BinaryBE:
		mask = 1<<16 - 1
	case ODC:
		mask = 1<<18 - 1
	default:
		mask = 1<<32 - 1
	}
	ino := int64(xxhash.Sum64String(name) & mask)
	if ino == 0 {
		ino = 1
	}
	return ino
}

func (cw *Writer) writeCurrentHeader() error {
	b, err := encode(cw.cur, cw.v)
	if err != nil {
		cw.err = err
		return err
	}
	return cw.write(b)
}

// Write writes payload bytes, no more than the header declared.
func (cw *Writer) Write(p []byte) (int, error) {
	if cw.closed {
		return 0, ErrClosed
	}
	if cw.err != nil {
		return 0, cw.err
	}
	overflow := false
	if int64(len(p)) > cw.remain {
		p = p[:cw.remain]
		overflow = true
	}
	if cw.v == CRC {
		cw.pending.Write(p)
	} else if err := cw.write(p); err != nil {
		return 0, err
	}
	cw.remain -= int64(len(p))
	if overflow {
		return len(p), ErrWriteTooLong
	}
	return len(p), nil
}

// Flush completes the current entry. It fails if the payload is short.
func (cw *Writer) Flush() error {
	if cw.closed {
		return ErrClosed
	}
	if cw.err != nil {
		return cw.err
	}
	if cw.cur == nil {
		return nil
	}
	if cw.remain > 0 {
		return ErrWriteTooLong
	}
	if cw.v == CRC {
		sum := checksum.New(checksum.Sum32)
		sum.Write(cw.pending.Bytes())
		cw.cur.Checksum = sum.Sum32()
		if err := cw.writeCurrentHeader(); err != nil {
			return err
		}
		if err := cw.write(cw.pending.Bytes()); err != nil {
			return err
		}
		cw.pending.Reset()
	}
	pad := DataPad(cw.v, cw.cur.Size)
	cw.cur = nil
	return cw.write(make([]byte, pad))
}

// Close writes the trailer and pads the archive to a whole block.
// It does not close the underlying writer.
func (cw *Writer) Close() error {
	if cw.closed {
		return nil
	}
	if err := cw.Flush(); err != nil {
		return err
	}
	b, err := encode(&Header{Name: Trailer, Nlink: 1}, cw.v)
	if err != nil {
		return err
	}
	if err := cw.write(b); err != nil {
		return err
	}
	cw.closed = true
	return cw.write(make([]byte, padding(cw.n, blockSize)))
}
