// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package zip

import (
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/zipcrypto"
)

// Compression methods.
const (
	Store   uint16 = 0
	Deflate uint16 = 8
	BZIP2   uint16 = 12
	Zstd    uint16 = 93
)

var ErrNeedPassword = fmt.Errorf("%w: zip: encrypted entry and no password", arcerr.ErrUnsupported)

func MethodName(m uint16) string {
	switch m {
	case Store:
		return "store"
	case Deflate:
		return "deflate"
	case BZIP2:
		return "bzip2"
	case Zstd:
		return "zstd"
	}
	return "method" + strconv.Itoa(int(m))
}

// ParseMethod accepts the names printed by MethodName.
func ParseMethod(s string) (uint16, error) {
	for _, m := range []uint16{Store, Deflate, BZIP2, Zstd} {
		if s == MethodName(m) {
			return m, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return uint16(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrAlgorithm, s)
}

// Decompressor returns a reader of the decoded stream.
// Corrupt input is reported as a codec error.
func Decompressor(method uint16, r io.Reader) (io.ReadCloser, error) {
	switch method {
	case Store:
		return io.NopCloser(r), nil
	case Deflate:
		return &codecReader{rc: flate.NewReader(r)}, nil
	case BZIP2:
		return &codecReader{rc: io.NopCloser(bzip2.NewReader(r))}, nil
	case Zstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return &codecReader{rc: d.IOReadCloser()}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrAlgorithm, method)
}

// Compressor returns a writer that encodes into w. Closing it flushes
// the stream but leaves w open. BZIP2 can only be read.
func Compressor(method uint16, w io.Writer) (io.WriteCloser, error) {
	switch method {
	case Store:
		return nopWriteCloser{w}, nil
	case Deflate:
		return flate.NewWriter(w, flate.DefaultCompression)
	case Zstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	}
	return nil, fmt.Errorf("%w: %d", ErrAlgorithm, method)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type codecReader struct {
	rc io.ReadCloser
}

func (c *codecReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	switch {
	case err == nil, err == io.EOF:
	case errors.Is(err, io.ErrUnexpectedEOF):
		err = arcerr.Truncated(err)
	case arcerr.Kind(err) == nil:
		err = fmt.Errorf("%w: %w", arcerr.ErrCodec, err)
	}
	return n, err
}

func (c *codecReader) Close() error { return c.rc.Close() }

// Reader returns the contents of h from the archive r: decrypted with
// password if the entry is encrypted, decompressed, and checked against
// the CRC as the last byte is read.
func (h *FileHeader) Reader(r io.ReaderAt, password []byte) (io.ReadCloser, error) {
	raw, err := h.Open(r)
	if err != nil {
		return nil, err
	}
	var src io.Reader = raw
	if h.IsEncrypted() {
		if password == nil {
			return nil, ErrNeedPassword
		}
		src, err = zipcrypto.NewReader(src, password, h.CheckByte())
		if err != nil {
			return nil, err
		}
	}
	dc, err := Decompressor(h.Method, src)
	if err != nil {
		return nil, err
	}
	return newChecksumReader(dc, int64(h.UncompressedSize), h.CRC32), nil
}

// CheckByte is the last byte of the encryption header of h.
func (h *FileHeader) CheckByte() byte {
	_, tm := h.dosTimes()
	return zipcrypto.CheckByte(h.CRC32, tm, h.HasDataDescriptor())
}
