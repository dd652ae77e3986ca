// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package lha

import (
	"bytes"
	"encoding/binary"
	"io"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/checksum"
)

const (
	commonSize = 21 // enough to find the level
	level1Min  = 27 // with an empty name
	level2Size = 26 // before the extensions
	sep        = 0xff
	maxLevel0  = 255 - 36 + 2
	maxLevel1  = 255 - level1Min + 2
)

// Extension header types.
const (
	extCRC      = 0x00
	extName     = 0x01
	extDir      = 0x02
	extComment  = 0x3f
	extAttr     = 0x40
	extWinTime  = 0x41
	extSize64   = 0x42
	extMode     = 0x50
	extOwner    = 0x51
	extGroup    = 0x52
	extUser     = 0x53
	extUnixTime = 0x54
)

// level 0 and 1 share this prefix
type level0Header struct {
	Size     uint8   `bin:"0"`
	Sum      uint8   `bin:"1"`
	Method   [5]byte `bin:"2"`
	Packed   uint32  `bin:"7,le"`
	Original uint32  `bin:"11,le"`
	Time     uint16  `bin:"15,le"`
	Date     uint16  `bin:"17,le"`
	Attr     uint8   `bin:"19"`
	Level    uint8   `bin:"20"`
	NameLen  uint8   `bin:"21"`
}

type level2Header struct {
	Size     uint16  `bin:"0,le"`
	Method   [5]byte `bin:"2"`
	Packed   uint32  `bin:"7,le"`
	Original uint32  `bin:"11,le"`
	Mtime    uint32  `bin:"15,le"`
	Reserved uint8   `bin:"19"`
	Level    uint8   `bin:"20"`
	CRC      uint16  `bin:"21,le"`
	OS       uint8   `bin:"23"`
	Next     uint16  `bin:"24,le"`
}

// extState gathers what the extensions say about the name and the header CRC.
type extState struct {
	name, dir []byte
	haveName  bool
	crc       uint16
	crcAt     int // offset of the CRC in a level 2 header, or 0
	size64    bool
}

func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return arcerr.Truncated(err)
	}
	return nil
}

func sum8(b []byte) byte {
	s := checksum.New(checksum.Sum8)
	s.Write(b)
	return byte(s.Sum32())
}

// ReadHeader reads one header and any extension headers that follow it,
// leaving r at the payload. It returns io.EOF at the end mark (a zero
// byte) or at a clean end of stream.
func ReadHeader(r io.Reader) (*Header, error) {
	base := make([]byte, commonSize)
	if _, err := io.ReadFull(r, base[:1]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, arcerr.Truncated(err)
	}
	if base[0] == 0 {
		return nil, io.EOF
	}
	if err := readFull(r, base[1:]); err != nil {
		return nil, err
	}

	var h *Header
	var st extState
	var err error
	switch base[20] {
	case 0, 1:
		h, err = readLevel01(r, base, &st)
	case 2:
		h, err = readLevel2(r, base, &st)
	default:
		return nil, ErrLevel
	}
	if err != nil {
		return nil, err
	}
	if len(h.Method) != 5 || h.Method[0] != '-' || h.Method[4] != '-' {
		return nil, ErrHeader
	}

	h.Name = joinName(st.dir, st.name)
	if h.IsSymlink() {
		if name, target, ok := strings.Cut(h.Name, "|"); ok {
			h.Name, h.Linkname = name, target
		}
	}
	return h, nil
}

func readLevel01(r io.Reader, base []byte, st *extState) (*Header, error) {
	buf := make([]byte, int(base[0])+2)
	if len(buf) < commonSize+1 {
		return nil, ErrHeader
	}
	copy(buf, base)
	if err := readFull(r, buf[commonSize:]); err != nil {
		return nil, err
	}
	var l0 level0Header
	binstruct.Unmarshal(buf, &l0)
	if sum8(buf[2:]) != l0.Sum {
		return nil, ErrHeaderSum
	}
	n := int(l0.NameLen)
	if 22+n > len(buf) {
		return nil, ErrHeader
	}
	h := &Header{
		Level:      int(l0.Level),
		Method:     string(l0.Method[:]),
		PackedSize: int64(l0.Packed),
		Size:       int64(l0.Original),
		ModTime:    dosToTime(l0.Date, l0.Time),
		Attribute:  l0.Attr,
		Uid:        -1,
		Gid:        -1,
	}
	st.name = buf[22 : 22+n]
	rest := buf[22+n:]

	if h.Level == 0 {
		if len(rest) >= 2 {
			h.CRC, h.HasCRC = binary.LittleEndian.Uint16(rest), true
			rest = rest[2:]
		}
		if len(rest) >= 1 {
			h.OS = rest[0]
			if rest[0] == OSUnix && len(rest) >= 12 {
				h.ModTime = time.Unix(int64(binary.LittleEndian.Uint32(rest[2:])), 0)
				h.Mode = int64(binary.LittleEndian.Uint16(rest[6:]))
				h.Uid = int(binary.LittleEndian.Uint16(rest[8:]))
				h.Gid = int(binary.LittleEndian.Uint16(rest[10:]))
			}
		}
		return h, nil
	}

	if len(rest) < 5 {
		return nil, ErrHeader
	}
	h.CRC, h.HasCRC = binary.LittleEndian.Uint16(rest), true
	h.OS = rest[2]
	next := int(binary.LittleEndian.Uint16(rest[len(rest)-2:]))
	var total int64
	for next != 0 {
		if next < 3 {
			return nil, ErrHeader
		}
		rec := make([]byte, next)
		if err := readFull(r, rec); err != nil {
			return nil, err
		}
		total += int64(next)
		h.applyExt(rec[0], rec[1:next-2], st)
		next = int(binary.LittleEndian.Uint16(rec[next-2:]))
	}
	// the skip size of a level 1 header counts the extensions
	if !st.size64 {
		h.PackedSize -= total
	}
	if h.PackedSize < 0 || h.Size < 0 {
		return nil, ErrHeader
	}
	return h, nil
}

func readLevel2(r io.Reader, base []byte, st *extState) (*Header, error) {
	size := int(binary.LittleEndian.Uint16(base))
	if size < level2Size {
		return nil, ErrHeader
	}
	buf := make([]byte, size)
	copy(buf, base)
	if err := readFull(r, buf[commonSize:]); err != nil {
		return nil, err
	}
	var l2 level2Header
	binstruct.Unmarshal(buf, &l2)
	h := &Header{
		Level:      2,
		Method:     string(l2.Method[:]),
		PackedSize: int64(l2.Packed),
		Size:       int64(l2.Original),
		ModTime:    time.Unix(int64(l2.Mtime), 0),
		CRC:        l2.CRC,
		HasCRC:     true,
		OS:         l2.OS,
		Attribute:  l2.Reserved,
		Uid:        -1,
		Gid:        -1,
	}

	off, next := level2Size, int(l2.Next)
	for next != 0 {
		if next < 3 || off+next > size {
			return nil, ErrHeader
		}
		rec := buf[off : off+next]
		if rec[0] == extCRC && next >= 5 {
			st.crcAt = off + 1
		}
		h.applyExt(rec[0], rec[1:next-2], st)
		off += next
		next = int(binary.LittleEndian.Uint16(rec[next-2:]))
	}
	if pad := size - off; pad != 0 && pad != 1 {
		return nil, ErrHeader
	}
	if h.PackedSize < 0 || h.Size < 0 {
		return nil, ErrHeader
	}
	if st.crcAt != 0 {
		buf[st.crcAt], buf[st.crcAt+1] = 0, 0
		if checksum.CRC16Of(buf) != st.crc {
			return nil, ErrHeaderSum
		}
	}
	return h, nil
}

func (h *Header) applyExt(kind byte, data []byte, st *extState) {
	le16 := func(i int) uint16 { return binary.LittleEndian.Uint16(data[i:]) }
	switch {
	case kind == extCRC && len(data) >= 2:
		st.crc = le16(0)
	case kind == extName:
		st.name, st.haveName = data, true
	case kind == extDir:
		st.dir = data
	case kind == extComment:
		h.Comment = decodeText(data)
	case kind == extAttr && len(data) >= 2:
		h.Attribute = byte(le16(0))
	case kind == extWinTime && len(data) >= 24:
		h.Created = fromFiletime(binary.LittleEndian.Uint64(data))
		if h.Level < 2 {
			if t := fromFiletime(binary.LittleEndian.Uint64(data[8:])); !t.IsZero() {
				h.ModTime = t
			}
		}
		h.Accessed = fromFiletime(binary.LittleEndian.Uint64(data[16:]))
	case kind == extSize64 && len(data) >= 16:
		h.PackedSize = int64(binary.LittleEndian.Uint64(data))
		h.Size = int64(binary.LittleEndian.Uint64(data[8:]))
		st.size64 = true
	case kind == extMode && len(data) >= 2:
		h.Mode = int64(le16(0))
	case kind == extOwner && len(data) >= 4:
		h.Gid, h.Uid = int(le16(0)), int(le16(2))
	case kind == extGroup:
		h.Gname = string(data)
	case kind == extUser:
		h.Uname = string(data)
	case kind == extUnixTime && len(data) >= 4:
		h.ModTime = time.Unix(int64(binary.LittleEndian.Uint32(data)), 0)
	default:
		h.Unknown = append(h.Unknown, kind)
	}
}

// decodeText reads UTF-8, falling back to Shift-JIS.
func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if s, err := japanese.ShiftJIS.NewDecoder().Bytes(b); err == nil {
		return string(s)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// joinName builds a slash path from the directory and name fields.
// Both use 0xFF as a separator, and older archivers used backslashes,
// which are only recognised after decoding so that they cannot be
// mistaken for the second byte of a Shift-JIS character.
func joinName(dir, name []byte) string {
	var parts []string
	for _, field := range [][]byte{dir, name} {
		for _, c := range bytes.Split(field, []byte{sep}) {
			for _, p := range strings.Split(decodeText(c), `\`) {
				if p != "" && p != "." {
					parts = append(parts, p)
				}
			}
		}
	}
	return strings.Join(parts, "/")
}

// WriteHeader writes h at the level it names. The caller fills in
// PackedSize, Size and CRC beforehand; a level 1 header adds its
// extensions to the skip size on the way out.
func WriteHeader(w io.Writer, h *Header) error {
	b, err := h.marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteEndMark writes the zero byte that ends an archive.
func WriteEndMark(w io.Writer) error {
	_, err := w.Write([]byte{0})
	return err
}

type ext struct {
	kind byte
	data []byte
}

// nameFields splits the name into the directory and file fields with 0xFF separators.
func (h *Header) nameFields() (dir, name []byte) {
	full := strings.Trim(h.Name, "/")
	var d, base string
	if h.IsDir() {
		d = full + "/"
	} else {
		d, base = path.Split(full)
	}
	if h.IsSymlink() {
		base += "|" + h.Linkname
	}
	dir = []byte(strings.ReplaceAll(d, "/", "\xff"))
	return dir, []byte(base)
}

func (h *Header) unixExts() []ext {
	mode := h.Mode
	if mode == 0 {
		mode = UnixMode(h.FileMode())
	}
	exts := []ext{
		{extMode, binary.LittleEndian.AppendUint16(nil, uint16(mode))},
		{extOwner, binary.LittleEndian.AppendUint32(nil, uint32(uint16(max(h.Gid, 0)))|uint32(uint16(max(h.Uid, 0)))<<16)},
	}
	if h.Gname != "" {
		exts = append(exts, ext{extGroup, []byte(h.Gname)})
	}
	if h.Uname != "" {
		exts = append(exts, ext{extUser, []byte(h.Uname)})
	}
	return exts
}

func (h *Header) attribute() byte {
	if h.Attribute != 0 {
		return h.Attribute
	}
	if h.IsDir() {
		return AttrDirectory
	}
	return AttrArchive
}

// appendExts chains the extensions onto b, whose last two bytes are the
// first next-size field. It returns the offset of each record's data.
func appendExts(b []byte, exts []ext) ([]byte, []int) {
	offs := make([]int, len(exts))
	for i, e := range exts {
		binary.LittleEndian.PutUint16(b[len(b)-2:], uint16(3+len(e.data)))
		b = append(b, e.kind)
		offs[i] = len(b)
		b = append(b, e.data...)
		b = append(b, 0, 0)
	}
	return b, offs
}

func (h *Header) marshal() ([]byte, error) {
	if len(h.Method) != 5 {
		return nil, ErrMethod
	}
	if h.Level < 2 && (h.Size > 1<<32-1 || h.PackedSize > 1<<32-1) {
		return nil, ErrTooLarge
	}
	dir, name := h.nameFields()
	date, tm := timeToDOS(h.ModTime)
	for _, field := range [][]byte{dir, name, []byte(h.Comment), []byte(h.Uname), []byte(h.Gname)} {
		if len(field) > 1<<16-16 {
			return nil, ErrNameTooLong
		}
	}

	switch h.Level {
	case 0:
		full := append(bytes.ReplaceAll(dir, []byte{sep}, []byte{'\\'}), name...)
		if len(full) > maxLevel0 {
			return nil, ErrNameTooLong
		}
		mode := h.Mode
		if mode == 0 {
			mode = UnixMode(h.FileMode())
		}
		b := make([]byte, 22, 36+len(full))
		binstruct.MarshalTo(b, &level0Header{
			Size:     uint8(34 + len(full)),
			Method:   [5]byte([]byte(h.Method)),
			Packed:   uint32(h.PackedSize),
			Original: uint32(h.Size),
			Time:     tm,
			Date:     date,
			Attr:     h.attribute(),
			Level:    0,
			NameLen:  uint8(len(full)),
		})
		b = append(b, full...)
		b = binary.LittleEndian.AppendUint16(b, h.CRC)
		b = append(b, OSUnix, 0)
		b = binary.LittleEndian.AppendUint32(b, uint32(h.ModTime.Unix()))
		b = binary.LittleEndian.AppendUint16(b, uint16(mode))
		b = binary.LittleEndian.AppendUint16(b, uint16(max(h.Uid, 0)))
		b = binary.LittleEndian.AppendUint16(b, uint16(max(h.Gid, 0)))
		b[1] = sum8(b[2:])
		return b, nil

	case 1:
		var exts []ext
		if len(name) > maxLevel1 {
			exts = append(exts, ext{extName, name})
			name = nil
		}
		if len(dir) > 0 {
			exts = append(exts, ext{extDir, dir})
		}
		if h.Comment != "" {
			exts = append(exts, ext{extComment, []byte(h.Comment)})
		}
		exts = append(exts, h.unixExts()...)
		exts = append(exts, ext{extUnixTime, binary.LittleEndian.AppendUint32(nil, uint32(h.ModTime.Unix()))})

		b := make([]byte, 22, 64+len(name))
		b = append(b, name...)
		b = binary.LittleEndian.AppendUint16(b, h.CRC)
		b = append(b, OSUnix, 0, 0)
		baseLen := len(b)
		b, _ = appendExts(b, exts)
		extLen := len(b) - baseLen
		if h.PackedSize+int64(extLen) > 1<<32-1 {
			return nil, ErrTooLarge
		}
		binstruct.MarshalTo(b, &level0Header{
			Size:     uint8(baseLen - 2),
			Method:   [5]byte([]byte(h.Method)),
			Packed:   uint32(h.PackedSize + int64(extLen)),
			Original: uint32(h.Size),
			Time:     tm,
			Date:     date,
			Attr:     AttrArchive,
			Level:    1,
			NameLen:  uint8(len(name)),
		})
		b[1] = sum8(b[2:baseLen])
		return b, nil

	case 2:
		exts := []ext{{extCRC, []byte{0, 0}}, {extName, name}}
		if len(dir) > 0 {
			exts = append(exts, ext{extDir, dir})
		}
		if h.Comment != "" {
			exts = append(exts, ext{extComment, []byte(h.Comment)})
		}
		if h.attribute() != AttrArchive {
			exts = append(exts, ext{extAttr, []byte{h.attribute(), 0}})
		}
		if !h.Accessed.IsZero() || !h.Created.IsZero() {
			wt := binary.LittleEndian.AppendUint64(nil, toFiletime(h.Created))
			wt = binary.LittleEndian.AppendUint64(wt, toFiletime(h.ModTime))
			wt = binary.LittleEndian.AppendUint64(wt, toFiletime(h.Accessed))
			exts = append(exts, ext{extWinTime, wt})
		}
		if h.Size > 1<<32-1 || h.PackedSize > 1<<32-1 {
			sz := binary.LittleEndian.AppendUint64(nil, uint64(h.PackedSize))
			sz = binary.LittleEndian.AppendUint64(sz, uint64(h.Size))
			exts = append(exts, ext{extSize64, sz})
		}
		exts = append(exts, h.unixExts()...)

		b := make([]byte, level2Size, 128+len(name)+len(dir))
		b, offs := appendExts(b, exts)
		if len(b)&0xff == 0 {
			b = append(b, 0) // a zero first byte would read as the end mark
		}
		if len(b) > 1<<16-1 {
			return nil, ErrNameTooLong
		}
		binstruct.MarshalTo(b, &level2Header{
			Size:     uint16(len(b)),
			Method:   [5]byte([]byte(h.Method)),
			Packed:   uint32(h.PackedSize),
			Original: uint32(h.Size),
			Mtime:    uint32(h.ModTime.Unix()),
			Reserved: AttrArchive,
			Level:    2,
			CRC:      h.CRC,
			OS:       OSUnix,
			Next:     binary.LittleEndian.Uint16(b[24:]),
		})
		binary.LittleEndian.PutUint16(b[offs[0]:], checksum.CRC16Of(b))
		return b, nil
	}
	return nil, ErrLevel
}

// dosToTime reads the MS-DOS stamp of level 0 and 1 headers as UTC.
func dosToTime(date, tm uint16) time.Time {
	if date == 0 && tm == 0 {
		return time.Time{}
	}
	return time.Date(int(date>>9)+1980, time.Month(date>>5&0xf), int(date&0x1f),
		int(tm>>11), int(tm>>5&0x3f), int(tm&0x1f)*2, 0, time.UTC)
}

func timeToDOS(t time.Time) (date, tm uint16) {
	if t.IsZero() {
		return 1<<5 | 1, 0
	}
	t = t.UTC()
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	} else if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}
	date = uint16(t.Day() | int(t.Month())<<5 | (t.Year()-1980)<<9)
	tm = uint16(t.Second()/2 | t.Minute()<<5 | t.Hour()<<11)
	return date, tm
}

var ntfsEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

func fromFiletime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ntfsEpoch.Unix()+int64(ts/1e7), int64(ts%1e7)*100)
}

func toFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()-ntfsEpoch.Unix())*1e7 + uint64(t.Nanosecond())/100
}
