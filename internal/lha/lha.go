// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package lha reads and writes LHA (LZH) archives with level 0, 1 and 2
// headers. Payloads are stored or coded with the -lh4- to -lh7- methods
// of package lzhuf, and checked against a CRC-16.
package lha

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/lzhuf"
	"github.com/elliotnunn/multiarc/internal/lzss"
)

var (
	ErrHeader      = fmt.Errorf("%w: lha: invalid header", arcerr.ErrFormat)
	ErrHeaderSum   = fmt.Errorf("%w: lha: header checksum mismatch", arcerr.ErrIntegrity)
	ErrLevel       = fmt.Errorf("%w: lha: unsupported header level", arcerr.ErrUnsupported)
	ErrMethod      = fmt.Errorf("%w: lha: unsupported method", arcerr.ErrUnsupported)
	ErrNameTooLong = fmt.Errorf("%w: lha: name too long for header level", arcerr.ErrUnsupported)
	ErrTooLarge    = fmt.Errorf("%w: lha: size needs a level 2 header", arcerr.ErrUnsupported)
	ErrClosed      = fmt.Errorf("lha: writer closed")
)

// Method codes.
const (
	LH0 = "-lh0-" // stored
	LH4 = "-lh4-"
	LH5 = "-lh5-"
	LH6 = "-lh6-"
	LH7 = "-lh7-"
	LHD = "-lhd-" // directory
	LZ4 = "-lz4-" // stored, LArc
	LZS = "-lzs-" // LArc, 2 KiB window
	LZ5 = "-lz5-" // LArc, 4 KiB window
)

// OS identifiers.
const (
	OSGeneric = 0
	OSMSDOS   = 'M'
	OSUnix    = 'U'
)

// MS-DOS attribute bits.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

const (
	modeType = 0o170000
	modeLink = 0o120000
	modeReg  = 0o100000
	modeDir  = 0o040000
)

// Header describes one LHA entry.
type Header struct {
	Level  int    // 0, 1 or 2
	Method string // five bytes such as "-lh5-"
	OS     byte

	Name     string // slash-separated, no trailing slash
	Linkname string // symlink target, from the "name|target" form
	Comment  string

	Size       int64 // original
	PackedSize int64 // payload bytes in the archive

	ModTime  time.Time
	Accessed time.Time // from the Windows timestamp extension
	Created  time.Time

	Attribute byte
	Mode      int64 // Unix mode with type bits, 0 if the archive gave none
	Uid, Gid  int
	Uname     string
	Gname     string

	CRC    uint16
	HasCRC bool // level 0 headers may leave it out

	// Unknown lists extension types that were skipped.
	Unknown []byte
}

// Stored reports whether the payload is kept as is.
func (h *Header) Stored() bool {
	switch h.Method {
	case LH0, LHD, LZ4:
		return true
	}
	return false
}

// larc reports whether the payload uses one of the LArc LZSS variants.
func (h *Header) larc() (lzss.Variant, bool) {
	switch h.Method {
	case LZS:
		return lzss.LZS, true
	case LZ5:
		return lzss.LZ5, true
	}
	return 0, false
}

// Codec returns the lzhuf method for a compressed payload.
func (h *Header) Codec() (lzhuf.Method, error) {
	m, err := lzhuf.ParseMethod(h.Method)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMethod, h.Method)
	}
	return m, nil
}

// IsDir trusts the Unix mode over the method, since symlinks are stored as -lhd- too.
func (h *Header) IsDir() bool {
	if h.Mode != 0 {
		return h.Mode&modeType == modeDir
	}
	return h.Method == LHD || h.Attribute&AttrDirectory != 0
}

func (h *Header) IsSymlink() bool { return h.Mode&modeType == modeLink }

func (h *Header) FileMode() fs.FileMode {
	if h.Mode == 0 {
		mode := fs.FileMode(0o644)
		if h.IsDir() {
			mode = fs.ModeDir | 0o755
		}
		if h.Attribute&AttrReadOnly != 0 {
			mode &^= 0o222
		}
		return mode
	}
	mode := fs.FileMode(h.Mode & 0o777)
	switch {
	case h.IsSymlink():
		mode |= fs.ModeSymlink
	case h.IsDir():
		mode |= fs.ModeDir
	}
	if h.Mode&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if h.Mode&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if h.Mode&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

// UnixMode converts a FileMode to the mode an LHA Unix extension carries.
func UnixMode(m fs.FileMode) int64 {
	mode := int64(m.Perm())
	switch {
	case m&fs.ModeSymlink != 0:
		mode |= modeLink
	case m.IsDir():
		mode |= modeDir
	default:
		mode |= modeReg
	}
	if m&fs.ModeSetuid != 0 {
		mode |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		mode |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		mode |= 0o1000
	}
	return mode
}

func (h *Header) FileInfo() fs.FileInfo { return headerFileInfo{h} }

type headerFileInfo struct{ h *Header }

func (fi headerFileInfo) Name() string       { return path.Base(fi.h.Name) }
func (fi headerFileInfo) Size() int64        { return fi.h.Size }
func (fi headerFileInfo) Mode() fs.FileMode  { return fi.h.FileMode() }
func (fi headerFileInfo) ModTime() time.Time { return fi.h.ModTime }
func (fi headerFileInfo) IsDir() bool        { return fi.h.IsDir() }
func (fi headerFileInfo) Sys() any           { return fi.h }

// ParseMethod accepts "lh5" or "-lh5-" and the stored and directory codes.
func ParseMethod(s string) (string, error) {
	m := "-" + strings.Trim(strings.ToLower(s), "-") + "-"
	switch m {
	case LH0, LH4, LH5, LH6, LH7, LHD, LZ4, LZS, LZ5:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrMethod, s)
}
