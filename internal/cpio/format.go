// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package cpio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
)

const (
	binarySize = 26
	odcSize    = 76
	newcSize   = 110

	binaryMagic = 070707
	odcMagic    = "070707"
	newcMagic   = "070701"
	crcMagic    = "070702"

	maxNameSize = 1 << 16
)

// Words wider than 16 bits are stored most significant half first,
// each half in the archive's byte order.
type binaryHeader struct {
	Magic      uint16 `bin:"0,var"`
	Dev        uint16 `bin:"2,var"`
	Ino        uint16 `bin:"4,var"`
	Mode       uint16 `bin:"6,var"`
	UID        uint16 `bin:"8,var"`
	GID        uint16 `bin:"10,var"`
	Nlink      uint16 `bin:"12,var"`
	Rdev       uint16 `bin:"14,var"`
	MtimeHi    uint16 `bin:"16,var"`
	MtimeLo    uint16 `bin:"18,var"`
	Namesize   uint16 `bin:"20,var"`
	FilesizeHi uint16 `bin:"22,var"`
	FilesizeLo uint16 `bin:"24,var"`
}

type odcHeader struct {
	Magic    [6]byte  `bin:"0"`
	Dev      [6]byte  `bin:"6"`
	Ino      [6]byte  `bin:"12"`
	Mode     [6]byte  `bin:"18"`
	UID      [6]byte  `bin:"24"`
	GID      [6]byte  `bin:"30"`
	Nlink    [6]byte  `bin:"36"`
	Rdev     [6]byte  `bin:"42"`
	Mtime    [11]byte `bin:"48"`
	Namesize [6]byte  `bin:"59"`
	Filesize [11]byte `bin:"65"`
}

type newcHeader struct {
	Magic     [6]byte `bin:"0"`
	Ino       [8]byte `bin:"6"`
	Mode      [8]byte `bin:"14"`
	UID       [8]byte `bin:"22"`
	GID       [8]byte `bin:"30"`
	Nlink     [8]byte `bin:"38"`
	Mtime     [8]byte `bin:"46"`
	Filesize  [8]byte `bin:"54"`
	DevMajor  [8]byte `bin:"62"`
	DevMinor  [8]byte `bin:"70"`
	RDevMajor [8]byte `bin:"78"`
	RDevMinor [8]byte `bin:"86"`
	Namesize  [8]byte `bin:"94"`
	Check     [8]byte `bin:"102"`
}

func (v Variant) order() binary.ByteOrder {
	if v == BinaryBE {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ReadHeader reads the next header and its name, leaving r at the start of the payload.
// At the trailer entry, or at a clean end of stream, it returns io.EOF.
// A symlink target is left in the payload; Reader moves it to Linkname.
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [newcSize]byte
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, arcerr.Truncated(err)
	}

	var v Variant
	switch {
	case buf[0] == 0xc7 && buf[1] == 0x71:
		v = BinaryLE
	case buf[0] == 0x71 && buf[1] == 0xc7:
		v = BinaryBE
	case buf[0] == '0' && buf[1] == '7':
		if _, err := io.ReadFull(r, buf[2:6]); err != nil {
			return nil, arcerr.Truncated(err)
		}
		switch string(buf[:6]) {
		case odcMagic:
			v = ODC
		case newcMagic:
			v = Newc
		case crcMagic:
			v = CRC
		default:
			return nil, fmt.Errorf("%w: %q", ErrMagic, buf[:6])
		}
	default:
		return nil, fmt.Errorf("%w: % x", ErrMagic, buf[:2])
	}

	hsize := v.headerSize()
	read := int64(6)
	if v == BinaryLE || v == BinaryBE {
		read = 2
	}
	if _, err := io.ReadFull(r, buf[read:hsize]); err != nil {
		return nil, arcerr.Truncated(err)
	}
	h, namesize, err := decode(buf[:hsize], v)
	if err != nil {
		return nil, err
	}

	if namesize == 0 || namesize > maxNameSize {
		return nil, fmt.Errorf("%w: name size %d", ErrHeader, namesize)
	}
	name := make([]byte, namesize+padding(hsize+namesize, v.align()))
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, arcerr.Truncated(err)
	}
	if name[namesize-1] != 0 {
		return nil, fmt.Errorf("%w: name not terminated", ErrHeader)
	}
	h.Name = string(name[:namesize-1])
	if h.Name == Trailer {
		return nil, io.EOF
	}
	return h, nil
}

func decode(b []byte, v Variant) (*Header, int64, error) {
	h := &Header{Variant: v}
	switch v {
	case BinaryLE, BinaryBE:
		var raw binaryHeader
		if err := (binstruct.Codec{Order: v.order()}).Unmarshal(b, &raw); err != nil {
			return nil, 0, err
		}
		h.DevMajor, h.DevMinor = int64(raw.Dev>>8), int64(raw.Dev&0xff)
		h.Inode = int64(raw.Ino)
		h.Mode = int64(raw.Mode)
		h.Uid = int(raw.UID)
		h.Gid = int(raw.GID)
		h.Nlink = int(raw.Nlink)
		h.RDevMajor, h.RDevMinor = int64(raw.Rdev>>8), int64(raw.Rdev&0xff)
		h.ModTime = time.Unix(int64(raw.MtimeHi)<<16|int64(raw.MtimeLo), 0)
		h.Size = int64(raw.FilesizeHi)<<16 | int64(raw.FilesizeLo)
		return h, int64(raw.Namesize), nil

	case ODC:
		var raw odcHeader
		if err := binstruct.Unmarshal(b, &raw); err != nil {
			return nil, 0, err
		}
		var p parser
		dev, rdev := p.octal(raw.Dev[:]), p.octal(raw.Rdev[:])
		h.DevMajor, h.DevMinor = dev>>8, dev&0xff
		h.RDevMajor, h.RDevMinor = rdev>>8, rdev&0xff
		h.Inode = p.octal(raw.Ino[:])
		h.Mode = p.octal(raw.Mode[:])
		h.Uid = int(p.octal(raw.UID[:]))
		h.Gid = int(p.octal(raw.GID[:]))
		h.Nlink = int(p.octal(raw.Nlink[:]))
		h.ModTime = time.Unix(p.octal(raw.Mtime[:]), 0)
		h.Size = p.octal(raw.Filesize[:])
		namesize := p.octal(raw.Namesize[:])
		return h, namesize, p.err

	default:
		var raw newcHeader
		if err := binstruct.Unmarshal(b, &raw); err != nil {
			return nil, 0, err
		}
		var p parser
		h.Inode = p.hex(raw.Ino[:])
		h.Mode = p.hex(raw.Mode[:])
		h.Uid = int(p.hex(raw.UID[:]))
		h.Gid = int(p.hex(raw.GID[:]))
		h.Nlink = int(p.hex(raw.Nlink[:]))
		h.ModTime = time.Unix(p.hex(raw.Mtime[:]), 0)
		h.Size = p.hex(raw.Filesize[:])
		h.DevMajor = p.hex(raw.DevMajor[:])
		h.DevMinor = p.hex(raw.DevMinor[:])
		h.RDevMajor = p.hex(raw.RDevMajor[:])
		h.RDevMinor = p.hex(raw.RDevMinor[:])
		namesize := p.hex(raw.Namesize[:])
		h.Checksum = uint32(p.hex(raw.Check[:]))
		return h, namesize, p.err
	}
}

type parser struct{ err error }

func (p *parser) octal(b []byte) int64 { return p.number(b, 8) }
func (p *parser) hex(b []byte) int64   { return p.number(b, 16) }

func (p *parser) number(b []byte, base int) int64 {
	x, err := strconv.ParseUint(string(b), base, 63)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%w: field %q", ErrHeader, b)
	}
	return int64(x)
}

// WriteHeader writes h, its name and the name padding in variant v.
// The payload and its padding are the caller's, as is a symlink target.
func WriteHeader(w io.Writer, h *Header, v Variant) error {
	b, err := encode(h, v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteTrailer writes the end-of-archive entry.
func WriteTrailer(w io.Writer, v Variant) error {
	return WriteHeader(w, &Header{Name: Trailer, Nlink: 1}, v)
}

func encode(h *Header, v Variant) ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrHeader, v)
	}
	if h.Size < 0 {
		return nil, ErrHeader
	}
	namesize := int64(len(h.Name) + 1)
	hsize := v.headerSize()
	out := make([]byte, hsize+namesize+padding(hsize+namesize, v.align()))
	copy(out[hsize:], h.Name)

	var f formatter
	mtime := h.ModTime.Unix()
	if h.ModTime.IsZero() {
		mtime = 0
	}

	switch v {
	case BinaryLE, BinaryBE:
		raw := binaryHeader{
			Magic:      binaryMagic,
			Dev:        uint16(f.fit(h.DevMajor<<8|h.DevMinor, 16)),
			Ino:        uint16(f.fit(h.Inode, 16)),
			Mode:       uint16(f.fit(h.Mode, 16)),
			UID:        uint16(f.fit(int64(h.Uid), 16)),
			GID:        uint16(f.fit(int64(h.Gid), 16)),
			Nlink:      uint16(f.fit(int64(h.Nlink), 16)),
			Rdev:       uint16(f.fit(h.RDevMajor<<8|h.RDevMinor, 16)),
			MtimeHi:    uint16(f.fit(mtime, 32) >> 16),
			MtimeLo:    uint16(mtime),
			Namesize:   uint16(f.fit(namesize, 16)),
			FilesizeHi: uint16(f.fit(h.Size, 32) >> 16),
			FilesizeLo: uint16(h.Size),
		}
		if h.DevMinor > 0xff || h.RDevMinor > 0xff {
			f.err = ErrFieldTooLong
		}
		if f.err != nil {
			return nil, f.err
		}
		if err := (binstruct.Codec{Order: v.order()}).MarshalTo(out, &raw); err != nil {
			return nil, err
		}

	case ODC:
		var raw odcHeader
		copy(raw.Magic[:], odcMagic)
		f.octal(raw.Dev[:], h.DevMajor<<8|h.DevMinor)
		f.octal(raw.Ino[:], h.Inode)
		f.octal(raw.Mode[:], h.Mode)
		f.octal(raw.UID[:], int64(h.Uid))
		f.octal(raw.GID[:], int64(h.Gid))
		f.octal(raw.Nlink[:], int64(h.Nlink))
		f.octal(raw.Rdev[:], h.RDevMajor<<8|h.RDevMinor)
		f.octal(raw.Mtime[:], mtime)
		f.octal(raw.Namesize[:], namesize)
		f.octal(raw.Filesize[:], h.Size)
		if f.err != nil {
			return nil, f.err
		}
		if err := (binstruct.Codec{}).MarshalTo(out, &raw); err != nil {
			return nil, err
		}

	default:
		var raw newcHeader
		if v == CRC {
			copy(raw.Magic[:], crcMagic)
			f.hex(raw.Check[:], int64(h.Checksum))
		} else {
			copy(raw.Magic[:], newcMagic)
			f.hex(raw.Check[:], 0)
		}
		f.hex(raw.Ino[:], h.Inode)
		f.hex(raw.Mode[:], h.Mode)
		f.hex(raw.UID[:], int64(h.Uid))
		f.hex(raw.GID[:], int64(h.Gid))
		f.hex(raw.Nlink[:], int64(h.Nlink))
		f.hex(raw.Mtime[:], mtime)
		f.hex(raw.Filesize[:], h.Size)
		f.hex(raw.DevMajor[:], h.DevMajor)
		f.hex(raw.DevMinor[:], h.DevMinor)
		f.hex(raw.RDevMajor[:], h.RDevMajor)
		f.hex(raw.RDevMinor[:], h.RDevMinor)
		f.hex(raw.Namesize[:], namesize)
		if f.err != nil {
			return nil, f.err
		}
		if err := (binstruct.Codec{}).MarshalTo(out, &raw); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type formatter struct{ err error }

// fit checks that x fits in an unsigned field of the given width.
func (f *formatter) fit(x int64, bits uint) int64 {
	if x < 0 || x >= 1<<bits {
		f.err = ErrFieldTooLong
		return 0
	}
	return x
}

func (f *formatter) octal(b []byte, x int64) { f.number(b, x, 8) }
func (f *formatter) hex(b []byte, x int64)   { f.number(b, x, 16) }

func (f *formatter) number(b []byte, x int64, base int) {
	s := strconv.FormatInt(x, base)
	if x < 0 || len(s) > len(b) {
		f.err = ErrFieldTooLong
		return
	}
	if base == 16 {
		s = string(bytes.ToUpper([]byte(s)))
	}
	copy(b, bytes.Repeat([]byte("0"), len(b)-len(s)))
	copy(b[len(b)-len(s):], s)
}
