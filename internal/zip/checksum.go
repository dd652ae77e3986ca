// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	"errors"
	"fmt"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/checksum"
)

// newChecksumReader wraps an [io.Reader]/[io.ReadCloser] and checks the CRC32
// once exactly size bytes have been read.
func newChecksumReader(r io.Reader, size int64, sum uint32) io.ReadCloser {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	return &checksumReader{
		v:     checksum.NewVerifier(rc, size, checksum.CRC32, sum),
		c:     rc,
		empty: size == 0,
		sum:   sum,
	}
}

type checksumReader struct {
	v     *checksum.Verifier
	c     io.Closer
	empty bool
	sum   uint32
}

func (r *checksumReader) Read(b []byte) (n int, err error) {
	if r.empty && r.sum != 0 {
		return 0, fmt.Errorf("%w: empty entry with CRC %#x", ErrChecksum, r.sum)
	}
	n, err = r.v.Read(b)
	switch {
	case err == nil, err == io.EOF:
	case errors.Is(err, checksum.ErrMismatch):
		err = fmt.Errorf("%w: %w", ErrChecksum, err)
	default:
		err = arcerr.Truncated(err)
	}
	return n, err
}

func (r *checksumReader) Close() error { return r.c.Close() }
