// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package sectionreader cuts windows out of random-access archive sources:
// an entry's payload inside a ZIP, an extent inside an ISO image.
package sectionreader

import (
	"errors"
	"io"
	"math"
)

var ErrNoSize = errors.New("sectionreader: source size unknown")

// Section returns the n bytes of r starting at off. Nested sections collapse
// onto the outermost source, so deep chains cost one ReadAt each.
func Section(r io.ReaderAt, off int64, n int64) *ReaderAt {
	for {
		var outer io.ReaderAt
		var outerOff, outerN int64
		switch t := r.(type) {
		case *io.SectionReader:
			outer, outerOff, outerN = t.Outer()
		case *ReaderAt:
			outer, outerOff, outerN = t.Outer()
		default:
			return &ReaderAt{r, off, n}
		}
		if off < 0 || n < 0 || off+n > outerN || off+n < off {
			return &ReaderAt{r, off, n}
		}
		r, off = outer, off+outerOff
	}
}

type ReaderAt struct {
	r      io.ReaderAt
	off, n int64
}

func (r *ReaderAt) Outer() (io.ReaderAt, int64, int64) { return r.r, r.off, r.n }

func (s *ReaderAt) Size() int64 { return s.n }

func (s *ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if s.n < 0 || s.off < 0 || off < 0 || s.off+off < 0 || off >= s.n {
		return 0, io.EOF
	}

	ourlimit := s.off + s.n
	if ourlimit < s.off { // integer overflow
		ourlimit = math.MaxInt64
	}

	off += s.off
	if max := ourlimit - off; int64(len(p)) > max {
		p = p[:max]
		n, err = s.r.ReadAt(p, off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.r.ReadAt(p, off)
}

// Reader returns a sequential reader over the section.
func (s *ReaderAt) Reader() *io.SectionReader {
	return io.NewSectionReader(s.r, s.off, s.n)
}

type sizer interface{ Size() int64 }

// Size finds the length of a random-access source from its Size method
// or by seeking to the end.
func Size(r io.ReaderAt) (int64, error) {
	switch t := r.(type) {
	case sizer:
		return t.Size(), nil
	case io.Seeker:
		here, err := t.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		end, err := t.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		_, err = t.Seek(here, io.SeekStart)
		return end, err
	}
	return 0, ErrNoSize
}

// seekerAt serves ReadAt from a ReadSeeker and leaves the offset wherever it ends up.
type seekerAt struct {
	rs io.ReadSeeker
}

func (s seekerAt) ReadAt(p []byte, off int64) (int, error) {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(s.rs, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// FromSeeker adapts a ReadSeeker for random access. It is not safe for
// concurrent use, unlike most ReaderAt implementations.
func FromSeeker(rs io.ReadSeeker) (io.ReaderAt, int64, error) {
	if ra, ok := rs.(io.ReaderAt); ok {
		n, err := Size(ra)
		return ra, n, err
	}
	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, 0, err
	}
	return seekerAt{rs}, end, nil
}
