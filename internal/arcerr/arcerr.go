// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package arcerr holds the error kinds shared by every archive format.
// Each format package declares its own sentinels that wrap one of these,
// so callers can ask either question with errors.Is.
package arcerr

import (
	"errors"
	"io"
)

var (
	ErrFormat      = errors.New("malformed archive")
	ErrIntegrity   = errors.New("integrity check failed")
	ErrCodec       = errors.New("corrupt compressed stream")
	ErrTruncated   = errors.New("truncated input")
	ErrUnsupported = errors.New("unsupported feature")
)

type truncated struct{ err error }

func (t truncated) Error() string { return ErrTruncated.Error() + ": " + t.err.Error() }

func (t truncated) Unwrap() []error { return []error{ErrTruncated, t.err} }

// Truncated converts an early end of input into ErrTruncated.
// A plain io.EOF counts too, because callers only use this
// part way through a structure.
func Truncated(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTruncated):
		return err
	case err == io.EOF, errors.Is(err, io.ErrUnexpectedEOF):
		return truncated{io.ErrUnexpectedEOF}
	}
	return err
}

// Kind returns the sentinel that err wraps, or nil for an error outside the taxonomy.
func Kind(err error) error {
	for _, k := range []error{ErrFormat, ErrIntegrity, ErrCodec, ErrTruncated, ErrUnsupported} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Name is a short label for logging.
func Name(err error) string {
	switch Kind(err) {
	case ErrFormat:
		return "format"
	case ErrIntegrity:
		return "integrity"
	case ErrCodec:
		return "codec"
	case ErrTruncated:
		return "truncated"
	case ErrUnsupported:
		return "unsupported"
	}
	return "io"
}
