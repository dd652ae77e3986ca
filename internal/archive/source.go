// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"io"
	"os"

	"github.com/elliotnunn/multiarc/internal/sectionreader"
)

// Sized is a random-access source that knows its length, such as
// *bytes.Reader, *io.SectionReader or *os.File.
type Sized interface {
	io.Reader
	io.ReaderAt
	Size() int64
}

// FromBytes serves an archive held in memory.
func FromBytes(b []byte) Sized { return bytes.NewReader(b) }

// FromFile serves an open file. The file's offset is not used.
func FromFile(f *os.File) (Sized, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(f, 0, fi.Size()), nil
}

// FromReadSeeker adapts a seekable stream. The result moves the
// stream's offset as it reads, so nothing else may use the stream.
func FromReadSeeker(rs io.ReadSeeker) (Sized, error) {
	ra, size, err := sectionreader.FromSeeker(rs)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(ra, 0, size), nil
}

// randomAccess finds a ReaderAt and length behind src.
func randomAccess(src io.Reader) (io.ReaderAt, int64, error) {
	if ra, ok := src.(io.ReaderAt); ok {
		if size, err := sectionreader.Size(ra); err == nil {
			return ra, size, nil
		}
	}
	if rs, ok := src.(io.ReadSeeker); ok {
		return sectionreader.FromSeeker(rs)
	}
	return nil, 0, ErrNeedsRandomAccess
}
