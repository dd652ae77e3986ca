// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package cpio reads and writes cpio headers in the old binary form
// (either byte order), the portable ASCII "odc" form, and the SVR4
// "newc" and "crc" forms.
package cpio

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var (
	ErrHeader       = fmt.Errorf("%w: cpio: invalid header", arcerr.ErrFormat)
	ErrMagic        = fmt.Errorf("%w: cpio: bad magic", arcerr.ErrFormat)
	ErrFieldTooLong = fmt.Errorf("%w: cpio: value does not fit header field", arcerr.ErrUnsupported)
	ErrWriteTooLong = fmt.Errorf("%w: cpio: write too long", arcerr.ErrFormat)
	ErrClosed       = fmt.Errorf("cpio: writer closed")
)

// Trailer is the name of the entry that ends an archive.
const Trailer = "TRAILER!!!"

// Variant is the header encoding.
type Variant int

const (
	Newc     Variant = iota // SVR4 "070701"
	CRC                     // SVR4 "070702", with a byte sum of the payload
	ODC                     // POSIX "070707" in octal ASCII
	BinaryLE                // old binary, little-endian
	BinaryBE                // old binary, big-endian
)

var variantNames = []string{"newc", "crc", "odc", "bin-le", "bin-be"}

func (v Variant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("Variant(%d)", int(v))
	}
	return variantNames[v]
}

func (v Variant) Valid() bool { return v >= 0 && int(v) < len(variantNames) }

func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "bin", "binary":
		return BinaryLE, nil
	}
	for i, n := range variantNames {
		if strings.EqualFold(s, n) {
			return Variant(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cpio variant %q", s)
}

// align is the boundary that the name and the payload are padded to.
func (v Variant) align() int64 {
	switch v {
	case Newc, CRC:
		return 4
	case BinaryLE, BinaryBE:
		return 2
	}
	return 1
}

func (v Variant) headerSize() int64 {
	switch v {
	case Newc, CRC:
		return newcSize
	case ODC:
		return odcSize
	}
	return binarySize
}

func padding(n, align int64) int64 {
	return -n & (align - 1)
}

// DataPad is the number of zero bytes after a payload of the given size.
func DataPad(v Variant, size int64) int64 {
	return padding(size, v.align())
}

// Header is one cpio entry. Mode carries the file type bits as well as
// the permissions. A symbolic link's target travels as its payload, but
// Reader and Writer move it to and from Linkname.
type Header struct {
	Variant  Variant
	Name     string
	Linkname string // symlink target, or for a regular file the earlier name of a hard link

	Mode      int64
	Uid       int
	Gid       int
	Nlink     int
	Inode     int64
	DevMajor  int64
	DevMinor  int64
	RDevMajor int64
	RDevMinor int64
	ModTime   time.Time
	Size      int64

	// Checksum is the byte sum of the payload, for the CRC variant only.
	Checksum uint32
}

// Unix file type bits.
const (
	modeType   = 0170000
	modeSocket = 0140000
	modeLink   = 0120000
	modeReg    = 0100000
	modeBlock  = 060000
	modeDir    = 040000
	modeChar   = 020000
	modeFifo   = 010000

	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
)

func (h *Header) IsSymlink() bool { return h.Mode&modeType == modeLink }

// IsHardLink reports an entry that shares the payload of an earlier one.
func (h *Header) IsHardLink() bool {
	return h.Linkname != "" && !h.IsSymlink()
}

// FileMode converts Mode to an fs.FileMode.
func (h *Header) FileMode() fs.FileMode {
	m := fs.FileMode(h.Mode).Perm()
	if h.Mode&modeSetuid != 0 {
		m |= fs.ModeSetuid
	}
	if h.Mode&modeSetgid != 0 {
		m |= fs.ModeSetgid
	}
	if h.Mode&modeSticky != 0 {
		m |= fs.ModeSticky
	}
	switch h.Mode & modeType {
	case modeDir:
		m |= fs.ModeDir
	case modeLink:
		m |= fs.ModeSymlink
	case modeChar:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case modeBlock:
		m |= fs.ModeDevice
	case modeFifo:
		m |= fs.ModeNamedPipe
	case modeSocket:
		m |= fs.ModeSocket
	}
	return m
}

// UnixMode is the inverse of FileMode.
func UnixMode(m fs.FileMode) int64 {
	u := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		u |= modeSetuid
	}
	if m&fs.ModeSetgid != 0 {
		u |= modeSetgid
	}
	if m&fs.ModeSticky != 0 {
		u |= modeSticky
	}
	switch {
	case m.IsDir():
		u |= modeDir
	case m&fs.ModeSymlink != 0:
		u |= modeLink
	case m&fs.ModeCharDevice != 0:
		u |= modeChar
	case m&fs.ModeDevice != 0:
		u |= modeBlock
	case m&fs.ModeNamedPipe != 0:
		u |= modeFifo
	case m&fs.ModeSocket != 0:
		u |= modeSocket
	default:
		u |= modeReg
	}
	return u
}

// FileInfo returns an fs.FileInfo for the Header.
func (h *Header) FileInfo() fs.FileInfo { return headerFileInfo{h} }

type headerFileInfo struct{ h *Header }

func (fi headerFileInfo) Name() string       { return path.Base(fi.h.Name) }
func (fi headerFileInfo) Size() int64        { return fi.h.Size }
func (fi headerFileInfo) Mode() fs.FileMode  { return fi.h.FileMode() }
func (fi headerFileInfo) ModTime() time.Time { return fi.h.ModTime }
func (fi headerFileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi headerFileInfo) Sys() any           { return fi.h }
