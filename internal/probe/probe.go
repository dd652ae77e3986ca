// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package probe recognises archives by their magic numbers and peels
// the stream compression that is often wrapped around them.
package probe

import (
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/therootcompany/xz"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/archive"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/sectionreader"
	"github.com/elliotnunn/multiarc/internal/tar"
	"github.com/elliotnunn/multiarc/internal/zip"
)

var ErrUnknown = fmt.Errorf("%w: probe: unrecognised archive", arcerr.ErrFormat)

// Detect reports the format of the archive in the first size bytes of r.
func Detect(r io.ReaderAt, size int64) (archive.Format, error) {
	var accessError error
	matchAt := func(s string, offset int64) bool {
		if offset+int64(len(s)) > size {
			return false
		}
		b := make([]byte, len(s))
		n, err := r.ReadAt(b, offset)
		if err != nil && err != io.EOF && accessError == nil {
			accessError = err
		}
		return n == len(s) && string(b) == s
	}

	switch {
	case matchAt("CD001", 16*2048+1):
		return archive.ISO9660, nil
	case matchAt("PK\x03\x04", 0), matchAt("PK\x05\x06", 0), matchAt("PK\x07\x08", 0):
		return archive.Zip, nil
	case matchAt("070701", 0), matchAt("070702", 0), matchAt("070707", 0):
		return archive.Cpio, nil
	case matchAt("\xc7\x71", 0), matchAt("\x71\xc7", 0): // binary cpio, either order
		return archive.Cpio, nil
	case matchAt("ustar\x0000", 257), matchAt("ustar  \x00", 257):
		return archive.Tar, nil
	case isLHA(r, size):
		return archive.LHA, nil
	}
	if accessError != nil {
		return 0, accessError
	}

	// the slow checks: a V7 tar header has no magic, only a checksum,
	// and a self-extracting ZIP starts with a program
	if _, err := tar.ReadHeader(sectionreader.Section(r, 0, min(size, 1<<20)).Reader()); err == nil {
		return archive.Tar, nil
	}
	if _, err := zip.ReadDirectory(r, size); err == nil {
		return archive.Zip, nil
	}
	return 0, ErrUnknown
}

// isLHA looks for a method code such as "-lh5-" after the two size and sum bytes.
func isLHA(r io.ReaderAt, size int64) bool {
	if size < 22 {
		return false
	}
	var b [7]byte
	if n, _ := r.ReadAt(b[:], 0); n < len(b) {
		return false
	}
	if b[2] != '-' || b[6] != '-' {
		return false
	}
	_, err := lha.ParseMethod(string(b[2:7]))
	return err == nil
}

// Compression is an outer layer of stream compression.
type Compression uint8

const (
	None Compression = iota
	Gzip
	Bzip2
	XZ
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Bzip2:
		return "bzip2"
	case XZ:
		return "xz"
	case Zstd:
		return "zstd"
	}
	return "none"
}

var magics = []struct {
	c     Compression
	magic string
}{
	{Gzip, "\x1f\x8b"},
	{Bzip2, "BZh"},
	{XZ, "\xfd7zXZ\x00"},
	{Zstd, "\x28\xb5\x2f\xfd"},
}

// Unwrap peels one layer of stream compression from r, reporting which
// it found. A stream that starts with no known magic comes back as is.
func Unwrap(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, None, err
	}
	c := None
	for _, m := range magics {
		if strings.HasPrefix(string(head), m.magic) {
			c = m.c
			break
		}
	}

	switch c {
	case Gzip:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, c, fmt.Errorf("%w: gzip: %w", arcerr.ErrCodec, err)
		}
		return zr, c, nil
	case Bzip2:
		return io.NopCloser(codecReader{bzip2.NewReader(br)}), c, nil
	case XZ:
		xr, err := xz.NewReader(br, xz.DefaultDictMax)
		if err != nil {
			return nil, c, fmt.Errorf("%w: xz: %w", arcerr.ErrCodec, err)
		}
		return io.NopCloser(codecReader{xr}), c, nil
	case Zstd:
		d, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, c, fmt.Errorf("%w: zstd: %w", arcerr.ErrCodec, err)
		}
		return d.IOReadCloser(), c, nil
	}
	return io.NopCloser(br), None, nil
}

// codecReader reports corrupt input in the error taxonomy.
type codecReader struct{ r io.Reader }

func (c codecReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF && arcerr.Kind(err) == nil {
		err = fmt.Errorf("%w: %w", arcerr.ErrCodec, err)
	}
	return n, err
}

// InnerName guesses the name of what a compressed file holds.
func InnerName(name string, c Compression) string {
	switch c {
	case Gzip:
		return changeSuffix(name, ".gz .gzip .tgz=.tar")
	case Bzip2:
		return changeSuffix(name, ".bz .bz2 .bzip2 .tbz=.tar .tb2=.tar")
	case XZ:
		return changeSuffix(name, ".xz .txz=.tar")
	case Zstd:
		return changeSuffix(name, ".zst .zstd .tzst=.tar")
	}
	return name
}

func changeSuffix(s string, suffixes string) string {
	for _, rule := range strings.Split(suffixes, " ") {
		from, to, _ := strings.Cut(rule, "=")
		if strings.HasSuffix(s, from) && len(s) > len(from) {
			return s[:len(s)-len(from)] + to
		}
	}
	return s
}

// ByName guesses a format from a file name, for sources that cannot be probed.
func ByName(name string) (archive.Format, bool) {
	name = strings.ToLower(name)
	for _, c := range []struct {
		suffix string
		f      archive.Format
	}{
		{".tar", archive.Tar},
		{".cpio", archive.Cpio},
		{".zip", archive.Zip},
		{".lzh", archive.LHA},
		{".lha", archive.LHA},
		{".iso", archive.ISO9660},
	} {
		if strings.HasSuffix(name, c.suffix) {
			return c.f, true
		}
	}
	return 0, false
}
