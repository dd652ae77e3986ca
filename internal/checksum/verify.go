package checksum

import (
	"fmt"
	"io"
)

// Verifier passes through exactly size bytes of an underlying reader,
// accumulating them, and fails the read that completes the unit
// if the result differs from the expected value.
type Verifier struct {
	r      io.Reader
	remain int64
	want   uint32
	state  *State
	failed bool
}

// NewVerifier checks the 32-bit-or-narrower sum k of r against want.
func NewVerifier(r io.Reader, size int64, k Kind, want uint32) *Verifier {
	return &Verifier{r: r, remain: size, want: want, state: New(k)}
}

func (v *Verifier) Read(p []byte) (n int, err error) {
	if v.failed {
		return 0, v.mismatch()
	}
	if v.remain <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > v.remain {
		p = p[:v.remain]
	}
	n, err = v.r.Read(p)
	v.state.Write(p[:n])
	v.remain -= int64(n)
	if v.remain == 0 {
		if got := v.state.Sum32(); got != v.want {
			v.failed = true
			return n, v.mismatch()
		}
		if err == nil {
			err = io.EOF
		}
	} else if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (v *Verifier) mismatch() error {
	return fmt.Errorf("%w: %s want %#x got %#x", ErrMismatch, v.state.Kind(), v.want, v.state.Sum32())
}

// Remaining reports the bytes not yet read.
func (v *Verifier) Remaining() int64 { return v.remain }
