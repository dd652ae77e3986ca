// Copyright (c) Elliot Nunn
// Licensed under the MIT license

// Package archive drives the format packages through one interface.
// A Reader walks the entries of an archive in order, and a Writer
// builds one entry at a time. Either way only one entry is open at
// once, and the engine owns its header, checksum and codec state.
package archive

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/blockcache"
	"github.com/elliotnunn/multiarc/internal/cpio"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/zip"
)

var (
	ErrNeedsRandomAccess = fmt.Errorf("%w: archive: format needs a seekable source", arcerr.ErrUnsupported)
	ErrState             = fmt.Errorf("archive: operation not allowed in this state")
	ErrClosed            = fmt.Errorf("archive: closed")
	ErrFormatName        = fmt.Errorf("%w: archive: unknown format", arcerr.ErrUnsupported)
	ErrNotSupported      = fmt.Errorf("%w: archive: entry type not supported by format", arcerr.ErrUnsupported)
)

// Format names an archive format.
type Format uint8

const (
	Tar Format = iota
	Cpio
	Zip
	LHA
	ISO9660
)

var formatNames = [...]string{
	Tar:     "tar",
	Cpio:    "cpio",
	Zip:     "zip",
	LHA:     "lha",
	ISO9660: "iso9660",
}

func (f Format) String() string {
	if int(f) < len(formatNames) {
		return formatNames[f]
	}
	return "Format(" + strconv.Itoa(int(f)) + ")"
}

// RandomAccess reports whether the format is read from its end or
// through an index, rather than front to back.
func (f Format) RandomAccess() bool { return f == Zip || f == ISO9660 }

// ParseFormat accepts the names printed by String and a few aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "lzh":
		return LHA, nil
	case "iso", "iso-9660":
		return ISO9660, nil
	case "ustar", "pax":
		return Tar, nil
	}
	for f, name := range formatNames {
		if strings.EqualFold(s, name) {
			return Format(f), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrFormatName, s)
}

// MethodKind says which family a Method code belongs to.
type MethodKind uint8

const (
	MethodNone MethodKind = iota
	MethodLZH
	MethodZIP
)

// Method is the compression method of an entry: a five-byte code such
// as "-lh5-" in LHA archives, a number in ZIP archives, and nothing for
// the formats that only store.
type Method struct {
	Kind MethodKind
	LZH  string
	ZIP  uint16
}

func LZHMethod(code string) Method { return Method{Kind: MethodLZH, LZH: code} }
func ZIPMethod(code uint16) Method { return Method{Kind: MethodZIP, ZIP: code} }

func (m Method) String() string {
	switch m.Kind {
	case MethodLZH:
		return m.LZH
	case MethodZIP:
		return zip.MethodName(m.ZIP)
	}
	return "none"
}

// ParseMethod reads either an LHA code ("lh5", "-lh5-") or a ZIP
// method name ("deflate", "93").
func ParseMethod(s string) (Method, error) {
	if s == "" || s == "none" {
		return Method{}, nil
	}
	if code, err := lha.ParseMethod(s); err == nil {
		return LZHMethod(code), nil
	}
	code, err := zip.ParseMethod(s)
	if err != nil {
		return Method{}, err
	}
	return ZIPMethod(code), nil
}

// Header is the format-neutral description of one entry. The value a
// Reader returns is a copy; changing it does not touch the archive.
type Header struct {
	Name     string // slash-separated, no trailing slash
	Linkname string // symlink target, or the earlier entry of a hard link
	HardLink bool

	Size       int64 // payload bytes after decoding
	PackedSize int64 // payload bytes as stored
	Mode       fs.FileMode

	ModTime    time.Time
	AccessTime time.Time
	CreateTime time.Time
	ChangeTime time.Time

	Uid, Gid     int
	Uname, Gname string

	Devmajor, Devminor int64

	// Checksum is the format's own check value: a CRC-32 in ZIP, CRC-16
	// in LHA, the byte sum of a cpio "crc" entry, the tar header sum.
	Checksum    uint32
	HasChecksum bool

	Method  Method
	Comment string

	// Extra holds raw bytes the fields above do not model: ZIP extra
	// fields or ISO 9660 system-use areas.
	Extra []byte

	// Sys is the format package's own header.
	Sys any
}

func (h *Header) IsDir() bool     { return h.Mode.IsDir() }
func (h *Header) IsSymlink() bool { return h.Mode&fs.ModeSymlink != 0 }

// FileInfo returns an fs.FileInfo for the Header.
func (h *Header) FileInfo() fs.FileInfo { return headerFileInfo{h} }

type headerFileInfo struct{ h *Header }

func (fi headerFileInfo) Name() string       { return path.Base(fi.h.Name) }
func (fi headerFileInfo) Size() int64        { return fi.h.Size }
func (fi headerFileInfo) Mode() fs.FileMode  { return fi.h.Mode }
func (fi headerFileInfo) ModTime() time.Time { return fi.h.ModTime }
func (fi headerFileInfo) IsDir() bool        { return fi.h.IsDir() }
func (fi headerFileInfo) Sys() any           { return fi.h.Sys }

func (fi headerFileInfo) String() string { return fs.FormatFileInfo(fi) }

// cleanName drops the leading and trailing slashes some formats keep.
func cleanName(name string) string {
	name = strings.TrimPrefix(name, "./")
	name = strings.Trim(name, "/")
	if name == "" {
		return "."
	}
	return name
}

type config struct {
	password    []byte
	log         *slog.Logger
	policy      binstruct.Policy
	cache       *blockcache.Pool
	zipMethod   uint16
	lhaMethod   string
	lhaLevel    int
	cpioVariant cpio.Variant
	joliet      bool
	rockRidge   bool
	volumeID    string
	created     time.Time
}

func newConfig(opts []Option) *config {
	c := &config{
		log:         slog.Default(),
		policy:      binstruct.RequireMatch,
		zipMethod:   zip.Deflate,
		lhaMethod:   lha.LH5,
		lhaLevel:    2,
		cpioVariant: cpio.Newc,
		joliet:      true,
		rockRidge:   true,
		volumeID:    "CDROM",
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Reader or Writer.
type Option func(*config)

// WithPassword decrypts ZIP entries when reading, and encrypts them when writing.
func WithPassword(p []byte) Option { return func(c *config) { c.password = p } }

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPolicy settles ISO 9660 fields whose two byte orders disagree.
func WithPolicy(p binstruct.Policy) Option { return func(c *config) { c.policy = p } }

// WithCache shares a metadata block cache between ISO 9660 readers.
func WithCache(p *blockcache.Pool) Option { return func(c *config) { c.cache = p } }

func WithZipMethod(m uint16) Option { return func(c *config) { c.zipMethod = m } }
func WithLHAMethod(m string) Option { return func(c *config) { c.lhaMethod = m } }
func WithLHALevel(level int) Option { return func(c *config) { c.lhaLevel = level } }
func WithCpioVariant(v cpio.Variant) Option { return func(c *config) { c.cpioVariant = v } }

// WithJoliet asks an ISO 9660 writer for a Joliet tree, or tells a
// reader whether it may use one.
func WithJoliet(on bool) Option { return func(c *config) { c.joliet = on } }

// WithRockRidge is like WithJoliet for the Rock Ridge extensions.
func WithRockRidge(on bool) Option { return func(c *config) { c.rockRidge = on } }

func WithVolumeID(id string) Option { return func(c *config) { c.volumeID = id } }

// WithCreated sets the volume creation time of an ISO 9660 image.
func WithCreated(t time.Time) Option { return func(c *config) { c.created = t } }
