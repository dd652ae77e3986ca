// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tar reads and writes POSIX ustar headers, with the GNU
// long-name and PAX extensions folded into one logical header per entry.
package tar

import (
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var (
	ErrHeader          = fmt.Errorf("%w: tar: invalid tar header", arcerr.ErrFormat)
	ErrChecksum        = fmt.Errorf("%w: tar: header checksum mismatch", arcerr.ErrIntegrity)
	ErrWriteTooLong    = fmt.Errorf("%w: tar: write too long", arcerr.ErrFormat)
	ErrFieldTooLong    = fmt.Errorf("%w: tar: header field too long", arcerr.ErrFormat)
	ErrWriteAfterClose = fmt.Errorf("tar: write after close")
	ErrSparse          = fmt.Errorf("%w: tar: sparse files", arcerr.ErrUnsupported)
)

// Type flags for Header.Typeflag.
const (
	TypeReg  = '0'
	TypeRegA = '\x00'

	// Type '1' to '6' are header-only flags and may not have a data body.
	TypeLink    = '1' // Hard link
	TypeSymlink = '2' // Symbolic link
	TypeChar    = '3' // Character device node
	TypeBlock   = '4' // Block device node
	TypeDir     = '5' // Directory
	TypeFifo    = '6' // FIFO node
	TypeCont    = '7'

	// PAX records for the next file, or for all subsequent files.
	TypeXHeader       = 'x'
	TypeXGlobalHeader = 'g'

	TypeGNUSparse   = 'S'
	TypeGNULongName = 'L'
	TypeGNULongLink = 'K'
)

// Keywords for PAX extended header records.
const (
	paxPath     = "path"
	paxLinkpath = "linkpath"
	paxSize     = "size"
	paxUid      = "uid"
	paxGid      = "gid"
	paxUname    = "uname"
	paxGname    = "gname"
	paxMtime    = "mtime"
	paxAtime    = "atime"
	paxCtime    = "ctime"

	paxGNUSparse = "GNU.sparse."
)

// Format is the dialect a header was read in, or should be written in.
type Format int

const (
	FormatUnknown Format = iota
	FormatV7
	FormatUSTAR
	FormatPAX
	FormatGNU
)

func (f Format) String() string {
	switch f {
	case FormatV7:
		return "V7"
	case FormatUSTAR:
		return "USTAR"
	case FormatPAX:
		return "PAX"
	case FormatGNU:
		return "GNU"
	}
	return "<unknown>"
}

// A Header is one logical tar entry. GNU long names and PAX records
// have already been merged in by the time a Reader returns one.
type Header struct {
	Typeflag byte

	Name     string
	Linkname string // valid for TypeLink or TypeSymlink

	Size  int64
	Mode  int64 // permission and mode bits
	Uid   int
	Gid   int
	Uname string
	Gname string

	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time

	Devmajor int64
	Devminor int64

	// PAXRecords holds every record of the entry's extended header,
	// including the ones already reflected in the fields above.
	PAXRecords map[string]string

	// Checksum is the stored header checksum of the final ustar block.
	Checksum int64

	Format Format
}

// FileInfo returns an fs.FileInfo for the Header.
func (h *Header) FileInfo() fs.FileInfo {
	return headerFileInfo{h}
}

type headerFileInfo struct {
	h *Header
}

func (fi headerFileInfo) Size() int64        { return fi.h.Size }
func (fi headerFileInfo) IsDir() bool        { return fi.Mode().IsDir() }
func (fi headerFileInfo) ModTime() time.Time { return fi.h.ModTime }
func (fi headerFileInfo) Sys() any           { return fi.h }

func (fi headerFileInfo) Name() string {
	if fi.IsDir() {
		return path.Base(path.Clean(fi.h.Name))
	}
	return path.Base(fi.h.Name)
}

// Mode returns the permission and mode bits for the headerFileInfo.
func (fi headerFileInfo) Mode() (mode fs.FileMode) {
	return ModeOf(fi.h.Mode, fi.h.Typeflag)
}

func (fi headerFileInfo) String() string {
	return fs.FormatFileInfo(fi)
}

// ModeOf converts Unix mode bits and a type flag to an fs.FileMode.
func ModeOf(unixMode int64, typeflag byte) (mode fs.FileMode) {
	mode = fs.FileMode(unixMode).Perm()

	if unixMode&c_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if unixMode&c_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if unixMode&c_ISVTX != 0 {
		mode |= fs.ModeSticky
	}

	switch m := unixMode &^ 07777; m {
	case c_ISDIR:
		mode |= fs.ModeDir
	case c_ISFIFO:
		mode |= fs.ModeNamedPipe
	case c_ISLNK:
		mode |= fs.ModeSymlink
	case c_ISBLK:
		mode |= fs.ModeDevice
	case c_ISCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case c_ISSOCK:
		mode |= fs.ModeSocket
	}

	switch typeflag {
	case TypeSymlink:
		mode |= fs.ModeSymlink
	case TypeChar:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case TypeBlock:
		mode |= fs.ModeDevice
	case TypeDir:
		mode |= fs.ModeDir
	case TypeFifo:
		mode |= fs.ModeNamedPipe
	}
	return mode
}

// TypeOf picks the type flag for an fs.FileMode. Hard links cannot be
// told apart by mode, so callers set TypeLink themselves.
func TypeOf(mode fs.FileMode) byte {
	switch {
	case mode.IsDir():
		return TypeDir
	case mode&fs.ModeSymlink != 0:
		return TypeSymlink
	case mode&fs.ModeCharDevice != 0:
		return TypeChar
	case mode&fs.ModeDevice != 0:
		return TypeBlock
	case mode&fs.ModeNamedPipe != 0:
		return TypeFifo
	}
	return TypeReg
}

// UnixMode is the inverse of ModeOf for the permission and special bits.
func UnixMode(mode fs.FileMode) int64 {
	m := int64(mode.Perm())
	if mode&fs.ModeSetuid != 0 {
		m |= c_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= c_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= c_ISVTX
	}
	return m
}

const (
	// Mode constants from the USTAR spec:
	// See http://pubs.opengroup.org/onlinepubs/9699919799/utilities/pax.html#tag_20_92_13_06
	c_ISUID = 04000 // Set uid
	c_ISGID = 02000 // Set gid
	c_ISVTX = 01000 // Save text (sticky bit)

	// Common Unix mode constants; these are not defined in any common tar standard.
	c_ISDIR  = 040000  // Directory
	c_ISFIFO = 010000  // FIFO
	c_ISREG  = 0100000 // Regular file
	c_ISLNK  = 0120000 // Symbolic link
	c_ISBLK  = 060000  // Block special file
	c_ISCHR  = 020000  // Character special file
	c_ISSOCK = 0140000 // Socket
)

// isHeaderOnlyType checks if the given type flag is of the type that has no
// data section even if a size is specified.
func isHeaderOnlyType(flag byte) bool {
	switch flag {
	case TypeLink, TypeSymlink, TypeChar, TypeBlock, TypeDir, TypeFifo:
		return true
	default:
		return false
	}
}

// PayloadSize is the number of data bytes following the header.
func (h *Header) PayloadSize() int64 {
	if isHeaderOnlyType(h.Typeflag) {
		return 0
	}
	return h.Size
}

func isASCII(s string) bool {
	for _, c := range s {
		if c >= 0x80 || c == 0x00 {
			return false
		}
	}
	return true
}

