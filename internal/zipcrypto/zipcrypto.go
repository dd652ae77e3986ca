// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package zipcrypto implements the traditional PKWARE stream cipher
// used by ZIP entries with general-purpose flag bit 0 set.
//
// It is weak. It is here to read old archives and to write ones that old tools can read.
package zipcrypto

import (
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

// HeaderLen is the size of the encryption header that precedes the payload.
const HeaderLen = 12

var ErrPassword = fmt.Errorf("%w: zipcrypto: wrong password", arcerr.ErrIntegrity)

type Keys struct {
	k0, k1, k2 uint32
}

func NewKeys(password []byte) *Keys {
	k := &Keys{0x12345678, 0x23456789, 0x34567890}
	for _, b := range password {
		k.update(b)
	}
	return k
}

func crc(c uint32, b byte) uint32 {
	return crc32.IEEETable[byte(c)^b] ^ c>>8
}

func (k *Keys) update(b byte) {
	k.k0 = crc(k.k0, b)
	k.k1 = (k.k1+k.k0&0xff)*134775813 + 1
	k.k2 = crc(k.k2, byte(k.k1>>24))
}

func (k *Keys) stream() byte {
	t := k.k2 | 2
	return byte(t * (t ^ 1) >> 8)
}

// Decrypt deciphers p in place.
func (k *Keys) Decrypt(p []byte) {
	for i, c := range p {
		b := c ^ k.stream()
		k.update(b)
		p[i] = b
	}
}

// Encrypt enciphers p in place.
func (k *Keys) Encrypt(p []byte) {
	for i, b := range p {
		c := b ^ k.stream()
		k.update(b)
		p[i] = c
	}
}

// CheckByte is the value the last header byte must decrypt to:
// the high byte of the CRC-32, or of the DOS modification time when
// the sizes and CRC come in a data descriptor (flag bit 3).
func CheckByte(crc32 uint32, dosTime uint16, descriptor bool) byte {
	if descriptor {
		return byte(dosTime >> 8)
	}
	return byte(crc32 >> 24)
}

type reader struct {
	r io.Reader
	k *Keys
}

func (r *reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.k.Decrypt(p[:n])
	return n, err
}

// NewReader consumes and checks the encryption header, then returns
// the deciphered payload.
func NewReader(r io.Reader, password []byte, check byte) (io.Reader, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, arcerr.Truncated(err)
	}
	k := NewKeys(password)
	k.Decrypt(hdr[:])
	if hdr[HeaderLen-1] != check {
		return nil, ErrPassword
	}
	return &reader{r: r, k: k}, nil
}

type Writer struct {
	w   io.Writer
	k   *Keys
	buf []byte
}

// NewWriter writes a random encryption header ending in check,
// then enciphers everything written.
func NewWriter(w io.Writer, password []byte, check byte) (*Writer, error) {
	return newWriter(w, password, check, rand.Reader)
}

func newWriter(w io.Writer, password []byte, check byte, random io.Reader) (*Writer, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(random, hdr[:HeaderLen-1]); err != nil {
		return nil, err
	}
	hdr[HeaderLen-1] = check
	k := NewKeys(password)
	k.Encrypt(hdr[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return nil, err
	}
	return &Writer{w: w, k: k}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf[:0], p...)
	w.k.Encrypt(w.buf)
	return w.w.Write(w.buf)
}
