// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zip reads and writes the record structure of ZIP archives:
// the central directory (found through the end record and, when present,
// the Zip64 locator), local headers, data descriptors and the extra
// fields that carry Zip64 sizes, timestamps, ownership and Unicode names.
// It touches the headers as little as possible, leaving payload coding
// to the caller through Decompressor and Compressor.
package zip

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/sectionreader"
)

var (
	ErrFormat    = fmt.Errorf("%w: zip: not a valid zip file", arcerr.ErrFormat)
	ErrAlgorithm = fmt.Errorf("%w: zip: unsupported compression algorithm", arcerr.ErrUnsupported)
	ErrChecksum  = fmt.Errorf("%w: zip: checksum error", arcerr.ErrIntegrity)
	ErrNoSpanned = fmt.Errorf("%w: zip: spanned archives not supported", arcerr.ErrUnsupported)
	ErrLocal     = fmt.Errorf("%w: zip: corrupt/absent local file header", arcerr.ErrFormat)
	ErrNoLocator = fmt.Errorf("%w: zip: zip64 end record needed but locator absent", arcerr.ErrUnsupported)
)

const (
	localSig      = "PK\x03\x04"
	centralSig    = "PK\x01\x02"
	eocdSig       = "PK\x05\x06"
	eocd64Sig     = "PK\x06\x06"
	locatorSig    = "PK\x06\x07"
	descriptorSig = "PK\x07\x08"

	localLen      = 30
	centralLen    = 46
	eocdLen       = 22
	eocd64Len     = 56
	locatorLen    = 20
	descriptorLen = 16 // with signature, 32-bit sizes

	uint16max = 1<<16 - 1
	uint32max = 1<<32 - 1
)

// Flag bits.
const (
	FlagEncrypted      = 1 << 0
	FlagDataDescriptor = 1 << 3
	FlagUTF8           = 1 << 11
)

// Creator host systems, the high byte of CreatorVersion.
const (
	creatorFAT  = 0
	creatorUnix = 3
	creatorNTFS = 11
	creatorVFAT = 14
	creatorOSX  = 19
)

type localHeader struct {
	Sig              [4]byte `bin:"0"`
	ReaderVersion    uint16  `bin:"4,le"`
	Flags            uint16  `bin:"6,le"`
	Method           uint16  `bin:"8,le"`
	ModTime          uint16  `bin:"10,le"`
	ModDate          uint16  `bin:"12,le"`
	CRC32            uint32  `bin:"14,le"`
	CompressedSize   uint32  `bin:"18,le"`
	UncompressedSize uint32  `bin:"22,le"`
	NameLen          uint16  `bin:"26,le"`
	ExtraLen         uint16  `bin:"28,le"`
}

type centralHeader struct {
	Sig              [4]byte `bin:"0"`
	CreatorVersion   uint16  `bin:"4,le"`
	ReaderVersion    uint16  `bin:"6,le"`
	Flags            uint16  `bin:"8,le"`
	Method           uint16  `bin:"10,le"`
	ModTime          uint16  `bin:"12,le"`
	ModDate          uint16  `bin:"14,le"`
	CRC32            uint32  `bin:"16,le"`
	CompressedSize   uint32  `bin:"20,le"`
	UncompressedSize uint32  `bin:"24,le"`
	NameLen          uint16  `bin:"28,le"`
	ExtraLen         uint16  `bin:"30,le"`
	CommentLen       uint16  `bin:"32,le"`
	DiskStart        uint16  `bin:"34,le"`
	InternalAttrs    uint16  `bin:"36,le"`
	ExternalAttrs    uint32  `bin:"38,le"`
	Offset           uint32  `bin:"42,le"`
}

type endRecord struct {
	Sig         [4]byte `bin:"0"`
	Disk        uint16  `bin:"4,le"`
	DirDisk     uint16  `bin:"6,le"`
	RecordsDisk uint16  `bin:"8,le"`
	Records     uint16  `bin:"10,le"`
	DirSize     uint32  `bin:"12,le"`
	DirOffset   uint32  `bin:"16,le"`
	CommentLen  uint16  `bin:"20,le"`
}

type endRecord64 struct {
	Sig            [4]byte `bin:"0"`
	RecordSize     uint64  `bin:"4,le"`
	CreatorVersion uint16  `bin:"12,le"`
	ReaderVersion  uint16  `bin:"14,le"`
	Disk           uint32  `bin:"16,le"`
	DirDisk        uint32  `bin:"20,le"`
	RecordsDisk    uint64  `bin:"24,le"`
	Records        uint64  `bin:"32,le"`
	DirSize        uint64  `bin:"40,le"`
	DirOffset      uint64  `bin:"48,le"`
}

type locator64 struct {
	Sig    [4]byte `bin:"0"`
	Disk   uint32  `bin:"4,le"`
	Offset uint64  `bin:"8,le"`
	Disks  uint32  `bin:"16,le"`
}

// FileHeader describes one entry as the central directory records it.
type FileHeader struct {
	Name    string
	Comment string

	CreatorVersion uint16
	ReaderVersion  uint16
	Flags          uint16
	Method         uint16

	Modified time.Time
	Accessed time.Time // from the extended timestamp or NTFS extras, if present
	Created  time.Time

	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64

	// Offset is where the local header starts, already corrected
	// for any data prepended to the archive.
	Offset int64

	ExternalAttrs uint32

	// Extra holds the extra fields that the other members do not model.
	Extra []byte

	// Uid and Gid come from the Info-ZIP Unix extra; -1 when absent.
	Uid, Gid int

	// Zip64 asks the writer for Zip64 size fields even when the sizes are small,
	// for entries whose size is not known in advance.
	Zip64 bool

	// as read from the directory, before any extra overrode Modified
	dosDate, dosTime uint16
	haveDOS          bool
}

func (h *FileHeader) IsEncrypted() bool       { return h.Flags&FlagEncrypted != 0 }
func (h *FileHeader) HasDataDescriptor() bool { return h.Flags&FlagDataDescriptor != 0 }

func (h *FileHeader) isZip64() bool {
	return h.Zip64 || h.CompressedSize >= uint32max || h.UncompressedSize >= uint32max
}

// ModTimeDOS is the modification time in MS-DOS date and time format.
func (h *FileHeader) ModTimeDOS() (date, time uint16) {
	return h.dosTimes()
}

func (h *FileHeader) dosTimes() (date, tm uint16) {
	if h.haveDOS {
		return h.dosDate, h.dosTime
	}
	return timeToMsDosTime(h.Modified)
}

// ReadDirectory reads the central directory and returns the entries in
// the order their data appears in the archive.
func ReadDirectory(r io.ReaderAt, size int64) ([]*FileHeader, error) {
	files, _, err := readDirectory(r, size)
	return files, err
}

// ReadComment returns the archive comment from the end record.
func ReadComment(r io.ReaderAt, size int64) (string, error) {
	eocd, err := getEOCD(r, size)
	if err != nil {
		return "", err
	}
	return string(eocd[eocdLen:]), nil
}

func readDirectory(r io.ReaderAt, size int64) ([]*FileHeader, int64, error) {
	eocd, err := getEOCD(r, size)
	if err != nil {
		return nil, 0, err
	}
	var end endRecord
	if err := binstruct.Unmarshal(eocd, &end); err != nil {
		return nil, 0, err
	}

	eocdOffset := size - int64(len(eocd))
	thisDisk := uint32(end.Disk)
	centralDisk := uint32(end.DirDisk)
	recordsTotal := uint64(end.Records)
	centralSize := int64(end.DirSize)
	centralOffset := int64(end.DirOffset)

	sixtyFour := recordsTotal == uint16max || centralSize == uint32max || centralOffset == uint32max
	if sixtyFour {
		if locatorLen+int64(len(eocd)) > size {
			return nil, 0, ErrNoLocator
		}
		buf := make([]byte, locatorLen)
		if err := readAt(r, buf, eocdOffset-locatorLen); err != nil {
			return nil, 0, err
		}
		var loc locator64
		binstruct.Unmarshal(buf, &loc)
		if string(loc.Sig[:]) != locatorSig {
			return nil, 0, ErrNoLocator
		}
		if loc.Disk != 0 || loc.Disks != 1 {
			return nil, 0, ErrNoSpanned
		}
		if loc.Offset > uint64(size) {
			return nil, 0, ErrFormat
		}
		eocdOffset = int64(loc.Offset)
		buf = make([]byte, eocd64Len)
		if err := readAt(r, buf, eocdOffset); err != nil {
			return nil, 0, err
		}
		var end64 endRecord64
		binstruct.Unmarshal(buf, &end64)
		if string(end64.Sig[:]) != eocd64Sig {
			return nil, 0, ErrFormat
		}
		thisDisk = end64.Disk
		centralDisk = end64.DirDisk
		recordsTotal = end64.Records
		centralSize = int64(end64.DirSize)
		centralOffset = int64(end64.DirOffset)
	}
	// yay, now we can explore the central directory
	if thisDisk != 0 || centralDisk != 0 {
		return nil, 0, ErrNoSpanned
	}

	// Fix zip files that are carelessly appended to non-zip data,
	// the creating program unaware of the leading data.
	// Won't work with ZIP64 files because we have to trust the EOCD64 locator.
	baseCorrection := eocdOffset - centralSize - centralOffset

	if centralOffset < 0 || centralSize < 0 || baseCorrection < 0 || centralOffset > eocdOffset {
		return nil, 0, ErrFormat
	}
	dir := make([]byte, eocdOffset-baseCorrection-centralOffset)
	if err := readAt(r, dir, baseCorrection+centralOffset); err != nil {
		return nil, 0, err
	}

	var files []*FileHeader
	for len(dir) >= centralLen && string(dir[:4]) == centralSig {
		var c centralHeader
		binstruct.Unmarshal(dir, &c)
		namelen, extralen, commentlen := int(c.NameLen), int(c.ExtraLen), int(c.CommentLen)
		if len(dir) < centralLen+namelen+extralen+commentlen {
			return nil, 0, arcerr.Truncated(io.ErrUnexpectedEOF)
		}
		dir = dir[centralLen:]
		rawName := dir[:namelen]
		dir = dir[namelen:]
		extraBuf := dir[:extralen]
		dir = dir[extralen:]
		comment := dir[:commentlen]
		dir = dir[commentlen:]

		h := &FileHeader{
			CreatorVersion:   c.CreatorVersion,
			ReaderVersion:    c.ReaderVersion,
			Flags:            c.Flags,
			Method:           c.Method,
			Modified:         msDosTimeToTime(c.ModDate, c.ModTime),
			CRC32:            c.CRC32,
			CompressedSize:   uint64(c.CompressedSize),
			UncompressedSize: uint64(c.UncompressedSize),
			ExternalAttrs:    c.ExternalAttrs,
			Extra:            foreignExtra(extraBuf),
			Uid:              -1,
			Gid:              -1,
			dosDate:          c.ModDate,
			dosTime:          c.ModTime,
			haveDOS:          true,
		}
		h.Name = decodeName(rawName, c.Flags)
		h.Comment = decodeName(comment, c.Flags)

		loc := uint64(c.Offset)
		extra := parseExtra(extraBuf)
		if fields, ok := extra[extraZip64]; ok {
			for _, short := range []*uint64{&h.UncompressedSize, &h.CompressedSize, &loc} {
				if *short == uint32max && len(fields) >= 8 {
					*short = binary.LittleEndian.Uint64(fields)
					fields = fields[8:]
				}
			}
		}
		h.applyExtra(extra, rawName, false)
		if loc > uint64(size) {
			return nil, 0, ErrFormat
		}
		h.Offset = baseCorrection + int64(loc)
		files = append(files, h)
	}
	if uint64(len(files)) != recordsTotal {
		return nil, 0, fmt.Errorf("%w: directory holds %d records, end record says %d", ErrFormat, len(files), recordsTotal)
	}
	slices.SortStableFunc(files, func(a, b *FileHeader) int { return cmp.Compare(a.Offset, b.Offset) })
	return files, baseCorrection, nil
}

// applyExtra fills the fields that extras override: timestamps, ownership,
// and the Unicode path, which counts only if it was made from this very name.
// NTFS times are the finest, so they win.
func (h *FileHeader) applyExtra(extra map[int][]byte, rawName []byte, local bool) {
	if up, ok := extra[extraUnicodePath]; ok && len(up) >= 5 && up[0] == 1 {
		if binary.LittleEndian.Uint32(up[1:]) == crc32.ChecksumIEEE(rawName) && utf8.Valid(up[5:]) {
			h.Name = string(up[5:])
		}
	}
	for _, k := range []int{extraUnixOld, extraUnixOwner, extraTimestamp, extraNTFS} {
		x, ok := extra[k]
		if !ok {
			continue
		}
		ts := infoFromExtraField(k, x, local)
		if !ts.mtime.IsZero() {
			h.Modified = ts.mtime
		}
		if !ts.atime.IsZero() {
			h.Accessed = ts.atime
		}
		if !ts.ctime.IsZero() {
			h.Created = ts.ctime
		}
		if ts.uid >= 0 {
			h.Uid, h.Gid = ts.uid, ts.gid
		}
	}
}

// Open returns the stored payload of h, which starts after the local header.
// The bytes are still compressed, and encrypted if the entry is.
func (h *FileHeader) Open(r io.ReaderAt) (*io.SectionReader, error) {
	buf := make([]byte, localLen)
	if err := readAt(r, buf, h.Offset); err != nil {
		return nil, err
	}
	var lh localHeader
	binstruct.Unmarshal(buf, &lh)
	if string(lh.Sig[:]) != localSig {
		return nil, ErrLocal
	}
	start := h.Offset + localLen + int64(lh.NameLen) + int64(lh.ExtraLen)
	if h.CompressedSize > 1<<62 {
		return nil, ErrFormat
	}
	return sectionreader.Section(r, start, int64(h.CompressedSize)).Reader(), nil
}

// readAt fills b or fails with a truncation error.
func readAt(r io.ReaderAt, b []byte, off int64) error {
	n, err := r.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return arcerr.Truncated(err)
}

// decodeName reads a name as UTF-8 when the flag says so, and otherwise as
// code page 437, which is what DOS-era archivers wrote.
func decodeName(b []byte, flags uint16) string {
	if flags&FlagUTF8 != 0 {
		return unicode(string(b))
	}
	ascii := true
	for _, c := range b {
		if c >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(b)
	}
	s, err := charmap.CodePage437.NewDecoder().Bytes(b)
	if err != nil {
		return unicode(string(b))
	}
	return string(s)
}

// unicode percent-escapes the bytes of a name that is not valid UTF-8.
func unicode(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	for _, byte := range []byte(s) {
		if byte < 128 && byte != '%' {
			b.WriteByte(byte)
		} else {
			fmt.Fprintf(&b, "%%%02x", byte)
		}
	}
	return b.String()
}

// encodeName picks the bytes and flag for a name: plain ASCII, CP437
// when that represents it exactly, or UTF-8 with the flag set.
func encodeName(s string) ([]byte, uint16) {
	ascii := true
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return []byte(s), 0
	}
	if b, err := charmap.CodePage437.NewEncoder().Bytes([]byte(s)); err == nil {
		return b, 0
	}
	return []byte(s), FlagUTF8
}

// getEOCD reads the End of Directory Record.
//
// To avoid cache pollution, no bytes outside the EOCD are read,
// but for speed, the largest chunks possible are read (up to 22 bytes).
func getEOCD(r io.ReaderAt, size int64) ([]byte, error) {
	if size < eocdLen {
		return nil, ErrFormat
	}
	cmtMax, haveData := int(min(uint16max, size-eocdLen)), 0
	data := make([]byte, eocdLen+cmtMax)

	// If there are fewer than min bytes in the buffer then make it max,
	// not tolerating any errors
	getData := func(min, max int) error {
		if min <= haveData {
			return nil
		}
		if max > len(data) {
			return ErrFormat
		}
		if err := readAt(r, data[len(data)-max:len(data)-haveData], size-int64(max)); err != nil {
			return err
		}
		haveData = max
		return nil
	}
	atNegOffset := func(offset int) byte { return data[len(data)-1-offset] }

	for cmtSize := 0; cmtSize <= cmtMax; cmtSize++ {
		if err := getData(cmtSize+2, cmtSize+eocdLen); err != nil {
			return nil, err
		}
		if cmtSize > 0 {
			ch := atNegOffset(cmtSize - 1)
			if ch < 32 && ch != '\t' && ch != '\n' && ch != '\r' {
				return nil, ErrFormat // control chars not allowed in comments
			}
		}
		// Check for 16-bit little-endian comment field
		if atNegOffset(cmtSize) != byte(cmtSize>>8) ||
			atNegOffset(cmtSize+1) != byte(cmtSize) {
			continue
		}
		if err := getData(cmtSize+eocdLen, cmtSize+eocdLen); err != nil {
			return nil, err
		}
		if atNegOffset(cmtSize+21) == 'P' &&
			atNegOffset(cmtSize+20) == 'K' &&
			atNegOffset(cmtSize+19) == 5 &&
			atNegOffset(cmtSize+18) == 6 {
			return data[len(data)-cmtSize-eocdLen:], nil
		}
	}
	return nil, ErrFormat
}

const (
	// Unix constants. The specification doesn't mention them,
	// but these seem to be the values agreed on by tools.
	s_IFMT   = 0xf000
	s_IFSOCK = 0xc000
	s_IFLNK  = 0xa000
	s_IFREG  = 0x8000
	s_IFBLK  = 0x6000
	s_IFDIR  = 0x4000
	s_IFCHR  = 0x2000
	s_IFIFO  = 0x1000
	s_ISUID  = 0x800
	s_ISGID  = 0x400
	s_ISVTX  = 0x200

	msdosDir      = 0x10
	msdosReadOnly = 0x01
)

// Mode returns the permission and type bits of the entry.
func (h *FileHeader) Mode() (mode fs.FileMode) {
	isdir := strings.HasSuffix(h.Name, "/")
	switch h.CreatorVersion >> 8 {
	case creatorUnix, creatorOSX:
		mode = unixModeToFileMode(h.ExternalAttrs >> 16)
	case creatorFAT, creatorNTFS, creatorVFAT:
		mode = msdosModeToFileMode(h.ExternalAttrs)
	default:
		if isdir {
			mode = 0o755
		} else {
			mode = 0o644
		}
	}
	if isdir {
		mode |= fs.ModeDir
	}
	return mode
}

// SetMode records mode as Unix attributes, with the DOS directory and
// read-only bits alongside.
func (h *FileHeader) SetMode(mode fs.FileMode) {
	h.CreatorVersion = h.CreatorVersion&0xff | creatorUnix<<8
	h.ExternalAttrs = fileModeToUnixMode(mode) << 16
	if mode&fs.ModeDir != 0 {
		h.ExternalAttrs |= msdosDir
	}
	if mode&0200 == 0 {
		h.ExternalAttrs |= msdosReadOnly
	}
}

func msdosModeToFileMode(m uint32) (mode fs.FileMode) {
	if m&msdosDir != 0 {
		mode = fs.ModeDir | 0777
	} else {
		mode = 0666
	}
	if m&msdosReadOnly != 0 {
		mode &^= 0222
	}
	return mode
}

func unixModeToFileMode(m uint32) fs.FileMode {
	mode := fs.FileMode(m & 0777)
	switch m & s_IFMT {
	case s_IFBLK:
		mode |= fs.ModeDevice
	case s_IFCHR:
		mode |= fs.ModeDevice | fs.ModeCharDevice
	case s_IFDIR:
		mode |= fs.ModeDir
	case s_IFIFO:
		mode |= fs.ModeNamedPipe
	case s_IFLNK:
		mode |= fs.ModeSymlink
	case s_IFREG:
		// nothing to do
	case s_IFSOCK:
		mode |= fs.ModeSocket
	}
	if m&s_ISGID != 0 {
		mode |= fs.ModeSetgid
	}
	if m&s_ISUID != 0 {
		mode |= fs.ModeSetuid
	}
	if m&s_ISVTX != 0 {
		mode |= fs.ModeSticky
	}
	return mode
}

func fileModeToUnixMode(mode fs.FileMode) uint32 {
	var m uint32
	switch mode & fs.ModeType {
	default:
		m = s_IFREG
	case fs.ModeDir:
		m = s_IFDIR
	case fs.ModeSymlink:
		m = s_IFLNK
	case fs.ModeNamedPipe:
		m = s_IFIFO
	case fs.ModeSocket:
		m = s_IFSOCK
	case fs.ModeDevice:
		m = s_IFBLK
	case fs.ModeDevice | fs.ModeCharDevice:
		m = s_IFCHR
	}
	if mode&fs.ModeSetuid != 0 {
		m |= s_ISUID
	}
	if mode&fs.ModeSetgid != 0 {
		m |= s_ISGID
	}
	if mode&fs.ModeSticky != 0 {
		m |= s_ISVTX
	}
	return m | uint32(mode&0777)
}
