// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package iso9660 reads and writes ISO 9660 images.
//
// Three directory trees can be read from an image: the plain ISO 9660
// tree, the same tree decorated with Rock Ridge POSIX metadata carried in
// SUSP system-use entries, and the parallel Joliet tree of UCS-2 names
// described by a supplementary volume descriptor. [Open] picks the richest
// one present. [Builder] writes all three.
package iso9660

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/blockcache"
)

var (
	ErrNotISO     = fmt.Errorf("%w: iso9660: no volume descriptor at sector 16", arcerr.ErrFormat)
	ErrDescriptor = fmt.Errorf("%w: iso9660: bad volume descriptor", arcerr.ErrFormat)
	ErrBlockSize  = fmt.Errorf("%w: iso9660: logical block size", arcerr.ErrUnsupported)
	ErrRecord     = fmt.Errorf("%w: iso9660: bad directory record", arcerr.ErrFormat)
	ErrPathTable  = fmt.Errorf("%w: iso9660: bad path table", arcerr.ErrFormat)
	ErrName       = fmt.Errorf("%w: iso9660: unusable name", arcerr.ErrFormat)
	ErrExists     = fmt.Errorf("%w: iso9660: name already added", arcerr.ErrFormat)
	ErrShortData  = fmt.Errorf("%w: iso9660: file shorter than its header says", arcerr.ErrTruncated)
)

const (
	sectorSize  = 2048
	sectorShift = 11
	descStart   = 16 // first volume descriptor
	maxDescs    = 64

	vdBoot          = 0
	vdPrimary       = 1
	vdSupplementary = 2
	vdTerminator    = 255
)

// Directory record flags.
const (
	FlagHidden      = 0x01
	FlagDir         = 0x02
	FlagAssociated  = 0x04
	FlagRecord      = 0x08
	FlagProtection  = 0x10
	FlagMultiExtent = 0x80
)

// Tree names the directory hierarchy an [Image] presents.
type Tree uint8

const (
	Plain Tree = iota
	RockRidge
	Joliet
)

func (t Tree) String() string {
	switch t {
	case Plain:
		return "iso9660"
	case RockRidge:
		return "rockridge"
	case Joliet:
		return "joliet"
	}
	return "Tree(" + strconv.Itoa(int(t)) + ")"
}

type volDesc struct {
	Type        uint8     `bin:"0"`
	ID          [5]byte   `bin:"1"`
	Version     uint8     `bin:"6"`
	Flags       uint8     `bin:"7"`
	System      [32]byte  `bin:"8"`
	Volume      [32]byte  `bin:"40"`
	Blocks      uint32    `bin:"80,both"`
	Escapes     [32]byte  `bin:"88"`
	SetSize     uint16    `bin:"120,both"`
	SeqNum      uint16    `bin:"124,both"`
	BlockSize   uint16    `bin:"128,both"`
	PathSize    uint32    `bin:"132,both"`
	LPath       uint32    `bin:"140,le"`
	LPathOpt    uint32    `bin:"144,le"`
	MPath       uint32    `bin:"148,be"`
	MPathOpt    uint32    `bin:"152,be"`
	Root        dirRecord `bin:"156"`
	RootIdent   uint8     `bin:"189"`
	VolumeSet   [128]byte `bin:"190"`
	Publisher   [128]byte `bin:"318"`
	Preparer    [128]byte `bin:"446"`
	Application [128]byte `bin:"574"`
	Copyright   [37]byte  `bin:"702"`
	Abstract    [37]byte  `bin:"739"`
	Biblio      [37]byte  `bin:"776"`
	Created     [17]byte  `bin:"813"`
	Modified    [17]byte  `bin:"830"`
	Expires     [17]byte  `bin:"847"`
	Effective   [17]byte  `bin:"864"`
	FSVersion   uint8     `bin:"881"`
	_           [1165]byte `bin:"883"`
}

// jolietLevel reads the UCS-2 level from the escape sequences of an SVD.
func (vd *volDesc) jolietLevel() int {
	switch {
	case bytes.HasPrefix(vd.Escapes[:], []byte("%/@")):
		return 1
	case bytes.HasPrefix(vd.Escapes[:], []byte("%/C")):
		return 2
	case bytes.HasPrefix(vd.Escapes[:], []byte("%/E")):
		return 3
	}
	return 0
}

const dirRecordSize = 33

type dirRecord struct {
	Len      uint8   `bin:"0"`
	ExtLen   uint8   `bin:"1"`
	Extent   uint32  `bin:"2,both"`
	Size     uint32  `bin:"10,both"`
	Date     [7]byte `bin:"18"`
	Flags    uint8   `bin:"25"`
	UnitSize uint8   `bin:"26"`
	Gap      uint8   `bin:"27"`
	VolSeq   uint16  `bin:"28,both"`
	NameLen  uint8   `bin:"32"`
}

const pathRecordSize = 8

// pathRecord is coded with the Codec's Order: little-endian in the
// L table, big-endian in the M table.
type pathRecord struct {
	NameLen uint8  `bin:"0"`
	ExtLen  uint8  `bin:"1"`
	Extent  uint32 `bin:"2,var"`
	Parent  uint16 `bin:"6,var"`
}

// Extent is a run of bytes in the image.
type Extent struct {
	Offset, Size int64
}

// Header describes one file or directory.
type Header struct {
	Name     string // slash-separated from the root, no trailing slash
	Linkname string // Rock Ridge symlink target
	Size     int64
	Mode     fs.FileMode

	ModTime    time.Time
	AccessTime time.Time
	ChangeTime time.Time
	CreateTime time.Time

	Uid, Gid           int
	Nlink              int
	Devmajor, Devminor uint32

	Flags   byte // of the first directory record
	Extents []Extent

	// SystemUse holds the raw system-use bytes of the first record.
	SystemUse []byte
}

func (h *Header) IsDir() bool { return h.Mode.IsDir() }

func (h *Header) FileInfo() fs.FileInfo { return headerFileInfo{h} }

type headerFileInfo struct{ h *Header }

func (fi headerFileInfo) Name() string       { return path.Base(fi.h.Name) }
func (fi headerFileInfo) Size() int64        { return fi.h.Size }
func (fi headerFileInfo) Mode() fs.FileMode  { return fi.h.Mode }
func (fi headerFileInfo) ModTime() time.Time { return fi.h.ModTime }
func (fi headerFileInfo) IsDir() bool        { return fi.h.IsDir() }
func (fi headerFileInfo) Sys() any           { return fi.h }

// Options control how [Open] reads an image.
type Options struct {
	// Policy settles dual-endian fields whose two copies disagree.
	// The zero value rejects the image.
	Policy binstruct.Policy

	// Logger hears about disagreements that Policy resolved.
	Logger *slog.Logger

	// Cache holds metadata blocks. Images opened with one Pool share it.
	Cache *blockcache.Pool

	NoRockRidge bool
	NoJoliet    bool
}

// recTime decodes the 7-byte time of a directory record.
func recTime(b [7]byte) time.Time {
	if b == [7]byte{} {
		return time.Time{}
	}
	zone := time.UTC
	if off := int(int8(b[6])); off != 0 && off >= -48 && off <= 52 {
		zone = time.FixedZone("", off*15*60)
	}
	return time.Date(1900+int(b[0]), time.Month(b[1]), int(b[2]),
		int(b[3]), int(b[4]), int(b[5]), 0, zone)
}

func putRecTime(t time.Time) (b [7]byte) {
	if t.IsZero() {
		return b
	}
	t = t.UTC()
	y := min(max(t.Year()-1900, 0), 255)
	return [7]byte{byte(y), byte(t.Month()), byte(t.Day()),
		byte(t.Hour()), byte(t.Minute()), byte(t.Second()), 0}
}

// decTime decodes the 17-byte "YYYYMMDDHHMMSScc" form of the volume
// descriptors and long-form Rock Ridge timestamps.
func decTime(b []byte) time.Time {
	if len(b) < 17 {
		return time.Time{}
	}
	num := func(s []byte) int {
		n, err := strconv.Atoi(string(s))
		if err != nil {
			return -1
		}
		return n
	}
	y, mo, d := num(b[0:4]), num(b[4:6]), num(b[6:8])
	h, mi, s, cs := num(b[8:10]), num(b[10:12]), num(b[12:14]), num(b[14:16])
	if y <= 0 || mo <= 0 || d <= 0 || h < 0 || mi < 0 || s < 0 || cs < 0 {
		return time.Time{}
	}
	zone := time.UTC
	if off := int(int8(b[16])); off != 0 {
		zone = time.FixedZone("", off*15*60)
	}
	return time.Date(y, time.Month(mo), d, h, mi, s, cs*int(10*time.Millisecond), zone)
}

func putDecTime(t time.Time) (b [17]byte) {
	if t.IsZero() {
		copy(b[:], "0000000000000000")
		return b
	}
	t = t.UTC()
	copy(b[:], fmt.Sprintf("%04d%02d%02d%02d%02d%02d%02d",
		min(max(t.Year(), 1), 9999), t.Month(), t.Day(),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(10*time.Millisecond)))
	return b
}

const (
	sIFMT  = 0o170000
	sIFSOCK = 0o140000
	sIFLNK = 0o120000
	sIFREG = 0o100000
	sIFBLK = 0o060000
	sIFDIR = 0o040000
	sIFCHR = 0o020000
	sIFIFO = 0o010000
)

// fileMode converts a POSIX st_mode.
func fileMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0o777)
	switch m & sIFMT {
	case sIFDIR:
		mode |= fs.ModeDir
	case sIFLNK:
		mode |= fs.ModeSymlink
	case sIFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case sIFBLK:
		mode |= fs.ModeDevice
	case sIFIFO:
		mode |= fs.ModeNamedPipe
	case sIFSOCK:
		mode |= fs.ModeSocket
	}
	if m&0o4000 != 0 {
		mode |= fs.ModeSetuid
	}
	if m&0o2000 != 0 {
		mode |= fs.ModeSetgid
	}
	if m&0o1000 != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func posixMode(mode fs.FileMode) uint32 {
	m := uint32(mode.Perm())
	switch {
	case mode.IsDir():
		m |= sIFDIR
	case mode&fs.ModeSymlink != 0:
		m |= sIFLNK
	case mode&fs.ModeCharDevice != 0:
		m |= sIFCHR
	case mode&fs.ModeDevice != 0:
		m |= sIFBLK
	case mode&fs.ModeNamedPipe != 0:
		m |= sIFIFO
	case mode&fs.ModeSocket != 0:
		m |= sIFSOCK
	default:
		m |= sIFREG
	}
	if mode&fs.ModeSetuid != 0 {
		m |= 0o4000
	}
	if mode&fs.ModeSetgid != 0 {
		m |= 0o2000
	}
	if mode&fs.ModeSticky != 0 {
		m |= 0o1000
	}
	return m
}
