// Package checksum gathers the digests and running sums that archive formats
// embed in their headers, behind one accumulator type.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var (
	ErrFinalized = errors.New("checksum: write after Checksum without Reset")
	ErrMismatch  = fmt.Errorf("%w: checksum mismatch", arcerr.ErrIntegrity)
)

type Kind uint8

const (
	MD5 Kind = iota
	SHA1
	CRC32
	CRC16
	Sum8
	Sum16
	Sum32
	Xor8
)

var kindNames = [...]string{
	MD5:   "md5",
	SHA1:  "sha1",
	CRC32: "crc32",
	CRC16: "crc16",
	Sum8:  "sum8",
	Sum16: "sum16",
	Sum32: "sum32",
	Xor8:  "xor8",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) Valid() bool { return int(k) < len(kindNames) }

// Size is the digest length in bytes.
func (k Kind) Size() int { return k.hash().Size() }

func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.ReplaceAll(s, "-", ""))
	for k, name := range kindNames {
		if s == name {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("checksum: unknown algorithm %q", s)
}

func (k Kind) hash() hash.Hash {
	switch k {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case CRC32:
		return crc32.NewIEEE()
	case CRC16:
		return NewCRC16()
	case Sum8:
		return NewSum8()
	case Sum16:
		return NewSum16()
	case Sum32:
		return NewSum32()
	case Xor8:
		return NewXor8()
	}
	panic("checksum: invalid kind " + k.String())
}

// State accumulates one checksum over one logical unit,
// such as a file payload or an archive header.
type State struct {
	kind Kind
	h    hash.Hash
	sum  []byte // non-nil once finalized
}

func New(k Kind) *State {
	return &State{kind: k, h: k.hash()}
}

func (s *State) Kind() Kind { return s.kind }

func (s *State) Write(p []byte) (int, error) {
	if s.sum != nil {
		return 0, ErrFinalized
	}
	return s.h.Write(p)
}

// ProcessBytes feeds p into the accumulator.
func (s *State) ProcessBytes(p []byte) error {
	_, err := s.Write(p)
	return err
}

// Checksum finalizes the state and returns the digest.
// Repeated calls return the same digest.
func (s *State) Checksum() []byte {
	if s.sum == nil {
		s.sum = s.h.Sum(make([]byte, 0, s.h.Size()))
	}
	return s.sum
}

// Sum32 finalizes the state and returns the low 32 bits of the digest,
// read big-endian, which is the natural value for CRCs and sums.
func (s *State) Sum32() uint32 {
	d := s.Checksum()
	if len(d) >= 4 {
		return binary.BigEndian.Uint32(d[len(d)-4:])
	}
	var x uint32
	for _, b := range d {
		x = x<<8 | uint32(b)
	}
	return x
}

func (s *State) Reset() {
	s.h.Reset()
	s.sum = nil
}
