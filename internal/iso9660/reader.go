// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package iso9660

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/bits"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
	"github.com/elliotnunn/multiarc/internal/blockcache"
	"github.com/elliotnunn/multiarc/internal/sectionreader"
)

const (
	maxDirSize  = 64 << 20
	maxPathSize = 16 << 20
)

// Image is an opened ISO 9660 volume.
type Image struct {
	VolumeID string

	r     io.ReaderAt // metadata, through the block cache
	src   io.ReaderAt
	size  int64
	shift int
	log   *slog.Logger
	codec binstruct.Codec

	tree   Tree
	vd     *volDesc // of the tree in use
	parser dirParser
}

// Open reads the volume descriptors of the image in the first size bytes
// of r and chooses a tree: Rock Ridge if the root directory announces
// it, else Joliet if a supplementary descriptor is present, else plain.
func Open(r io.ReaderAt, size int64, opts *Options) (*Image, error) {
	if opts == nil {
		opts = new(Options)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	pool := opts.Cache
	if pool == nil {
		pool = blockcache.New(sectorShift, 64)
	}
	src := sectionreader.Section(r, 0, size)
	img := &Image{
		r:    pool.ReaderAt(src),
		src:  src,
		size: size,
		log:  log,
	}
	policy := opts.Policy
	img.codec = binstruct.Codec{
		Policy: policy,
		Mismatch: func(field string, le, be uint64) {
			log.Warn("dualEndianMismatch", "field", field, "le", le, "be", be, "policy", policy)
		},
	}

	var pvd, joliet *volDesc
scan:
	for i := range maxDescs {
		var b [sectorSize]byte
		if _, err := img.r.ReadAt(b[:], int64(descStart+i)*sectorSize); err != nil {
			if i == 0 {
				return nil, ErrNotISO
			}
			return nil, fmt.Errorf("%w: volume descriptors", arcerr.Truncated(err))
		}
		if string(b[1:6]) != "CD001" {
			if i == 0 {
				return nil, ErrNotISO
			}
			return nil, fmt.Errorf("%w: descriptor %d has no identifier", ErrDescriptor, descStart+i)
		}
		switch b[0] {
		case vdTerminator:
			break scan
		case vdPrimary, vdSupplementary:
			vd := new(volDesc)
			if err := img.codec.Unmarshal(b[:], vd); err != nil {
				return nil, err
			}
			if vd.Type == vdPrimary && pvd == nil {
				pvd = vd
			} else if vd.Type == vdSupplementary && joliet == nil && vd.jolietLevel() > 0 {
				joliet = vd
			}
		}
		if i == maxDescs-1 {
			return nil, fmt.Errorf("%w: no terminator", ErrDescriptor)
		}
	}
	if pvd == nil {
		return nil, fmt.Errorf("%w: no primary volume descriptor", ErrDescriptor)
	}
	for _, vd := range []*volDesc{pvd, joliet} {
		if vd == nil {
			continue
		}
		switch vd.BlockSize {
		case 512, 1024, 2048:
		default:
			return nil, fmt.Errorf("%w: %d", ErrBlockSize, vd.BlockSize)
		}
	}

	img.shift = bits.TrailingZeros16(pvd.BlockSize)
	img.vd = pvd
	img.VolumeID = strings.TrimRight(string(pvd.Volume[:]), " \x00")
	img.tree = Plain

	if !opts.NoRockRidge {
		skip, ok, err := img.detectRockRidge()
		if err != nil {
			return nil, err
		}
		if ok {
			img.tree = RockRidge
			img.parser = &plainParser{img: img, rr: true, skip: skip}
		}
	}
	if img.tree == Plain && joliet != nil && !opts.NoJoliet {
		img.tree = Joliet
		img.vd = joliet
		img.shift = bits.TrailingZeros16(joliet.BlockSize)
		if id, err := ucs2(joliet.Volume[:]); err == nil {
			img.VolumeID = strings.TrimRight(id, " \x00")
		}
		img.parser = jolietParser{img}
	}
	if img.parser == nil {
		img.parser = &plainParser{img: img}
	}
	log.Debug("isoOpen", "tree", img.tree, "volume", img.VolumeID, "blockSize", img.vd.BlockSize)
	return img, nil
}

// Tree reports which directory tree Walk presents.
func (img *Image) Tree() Tree { return img.tree }

// detectRockRidge looks for SP at the start of the root's "." record,
// then for an ER naming Rock Ridge or, failing that, any Rock Ridge entry.
func (img *Image) detectRockRidge() (skip int, ok bool, err error) {
	root := img.vd.Root
	b := make([]byte, min(int(root.Size), sectorSize))
	if _, err := img.r.ReadAt(b, int64(root.Extent)<<img.shift); err != nil {
		return 0, false, fmt.Errorf("%w: root directory", arcerr.Truncated(err))
	}
	recs, err := img.parseRecords(b)
	if err != nil || len(recs) == 0 {
		return 0, false, err
	}
	su := recs[0].su
	if len(su) < 7 || string(su[:2]) != "SP" || su[4] != 0xbe || su[5] != 0xef {
		return 0, false, nil
	}
	skip = int(su[6])
	list, err := img.entries(su)
	if err != nil {
		return 0, false, err
	}
	for _, e := range list {
		if e.sig == "ER" && len(e.data) >= 4 {
			n := int(e.data[0])
			if 4+n <= len(e.data) && slices.Contains(rrIDs, string(e.data[4:4+n])) {
				return skip, true, nil
			}
		}
	}
	for _, e := range list {
		switch e.sig {
		case "RR", "PX", "NM", "TF":
			return skip, true, nil
		}
	}
	return 0, false, nil
}

type record struct {
	dirRecord
	ident   []byte
	su      []byte
	extents []Extent
	name    string
	rr      *rockRidge
}

func (rec *record) special() bool {
	return len(rec.ident) == 1 && rec.ident[0] <= 1
}

// parseRecords splits a directory extent into records. Records never
// cross a sector boundary, and the rest of a sector after a zero
// length byte is padding.
func (img *Image) parseRecords(b []byte) ([]*record, error) {
	var recs []*record
	for off := 0; off < len(b); {
		n := int(b[off])
		if n == 0 {
			off = (off/sectorSize + 1) * sectorSize
			continue
		}
		if n < dirRecordSize+1 || off+n > len(b) {
			return nil, fmt.Errorf("%w: length %d at %d", ErrRecord, n, off)
		}
		rec := new(record)
		if err := img.codec.Unmarshal(b[off:], &rec.dirRecord); err != nil {
			return nil, err
		}
		end := dirRecordSize + int(rec.NameLen)
		if end > n {
			return nil, fmt.Errorf("%w: identifier overruns record at %d", ErrRecord, off)
		}
		rec.ident = b[off+dirRecordSize : off+end]
		if rec.NameLen%2 == 0 {
			end++
		}
		if end < n {
			rec.su = b[off+end : off+n]
		}
		x := Extent{Offset: int64(rec.Extent+uint32(rec.ExtLen)) << img.shift, Size: int64(rec.Size)}
		rec.extents = []Extent{x}
		recs = append(recs, rec)
		off += n
	}

	// multi-extent files continue in records of the same name
	out := recs[:0]
	for i := 0; i < len(recs); i++ {
		rec := recs[i]
		for rec.Flags&FlagMultiExtent != 0 {
			if i+1 == len(recs) || !bytes.Equal(recs[i+1].ident, rec.ident) {
				return nil, fmt.Errorf("%w: unfinished multi-extent file %q", ErrRecord, rec.ident)
			}
			i++
			rec.extents = append(rec.extents, recs[i].extents...)
			rec.Flags = recs[i].Flags
		}
		out = append(out, rec)
	}
	return out, nil
}

// readDir returns the records of the directory whose extent rec gives.
func (img *Image) readDir(rec *dirRecord) ([]*record, error) {
	if rec.Size > maxDirSize {
		return nil, fmt.Errorf("%w: directory of %d bytes", ErrRecord, rec.Size)
	}
	b := make([]byte, rec.Size)
	if _, err := img.r.ReadAt(b, int64(rec.Extent+uint32(rec.ExtLen))<<img.shift); err != nil {
		return nil, fmt.Errorf("%w: directory at block %d", arcerr.Truncated(err), rec.Extent)
	}
	recs, err := img.parseRecords(b)
	if err != nil {
		return nil, err
	}
	return img.parser.fixRecords(recs)
}

// dirParser turns the raw records of one tree into headers.
type dirParser interface {
	// fixRecords decodes names and any system-use entries,
	// and drops records that do not stand for a file.
	fixRecords(recs []*record) ([]*record, error)
	makeHeader(rec *record, name string) *Header
}

type plainParser struct {
	img  *Image
	rr   bool
	skip int // SUSP bytes to skip in every record but the root's "."
}

func (p *plainParser) fixRecords(recs []*record) ([]*record, error) {
	out := recs[:0]
	for _, rec := range recs {
		if rec.Flags&FlagAssociated != 0 {
			continue
		}
		switch {
		case rec.special():
			rec.name = [...]string{".", ".."}[rec.ident[0]]
		default:
			rec.name = isoName(rec.ident)
		}
		if p.rr && !rec.special() {
			su := rec.su
			if p.skip <= len(su) {
				su = su[p.skip:]
			}
			list, err := p.img.entries(su)
			if err != nil {
				return nil, err
			}
			if rec.rr, err = p.img.parseRockRidge(list); err != nil {
				return nil, err
			}
			if rec.rr.haveName && validName(rec.rr.name) {
				rec.name = rec.rr.name
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *plainParser) makeHeader(rec *record, name string) *Header {
	h := baseHeader(rec, name)
	rr := rec.rr
	if rr == nil {
		return h
	}
	if rr.havePX {
		h.Mode = fileMode(rr.px.Mode)
		h.Nlink = int(rr.px.Nlink)
		h.Uid, h.Gid = int(rr.px.Uid), int(rr.px.Gid)
	}
	if rr.haveLink {
		h.Linkname = rr.link
		h.Mode = h.Mode&^fs.ModeType | fs.ModeSymlink
		h.Size = 0
		h.Extents = nil
	}
	if rr.haveDev {
		h.Devmajor, h.Devminor = rr.dev.High, rr.dev.Low
	}
	if !rr.modify.IsZero() {
		h.ModTime = rr.modify
	}
	h.AccessTime, h.ChangeTime, h.CreateTime = rr.access, rr.attributes, rr.create
	return h
}

type jolietParser struct {
	img *Image
}

func (p jolietParser) fixRecords(recs []*record) ([]*record, error) {
	out := recs[:0]
	for _, rec := range recs {
		if rec.Flags&FlagAssociated != 0 {
			continue
		}
		if rec.special() {
			rec.name = [...]string{".", ".."}[rec.ident[0]]
		} else {
			name, err := ucs2(rec.ident)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrRecord, err)
			}
			rec.name = stripVersion(name)
			if !validName(rec.name) {
				rec.name = strings.ReplaceAll(rec.name, "/", "_")
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p jolietParser) makeHeader(rec *record, name string) *Header {
	return baseHeader(rec, name)
}

func baseHeader(rec *record, name string) *Header {
	h := &Header{
		Name:      name,
		ModTime:   recTime(rec.Date),
		Flags:     rec.Flags,
		SystemUse: rec.su,
		Nlink:     1,
	}
	if rec.Flags&FlagDir != 0 {
		h.Mode = fs.ModeDir | 0o555
		h.Nlink = 2
	} else {
		h.Mode = 0o444
		h.Extents = rec.extents
		for _, x := range rec.extents {
			h.Size += x.Size
		}
	}
	return h
}

// validName rejects names that would step outside their directory.
func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.Contains(s, "/")
}

// isoName drops the version suffix and an empty extension.
func isoName(ident []byte) string {
	return stripVersion(string(ident))
}

func stripVersion(s string) string {
	if i := strings.LastIndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	if strings.HasSuffix(s, ".") && s != "." && s != ".." {
		s = s[:len(s)-1]
	}
	return s
}

var ucs2BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

func ucs2(b []byte) (string, error) {
	return ucs2BE.NewDecoder().String(string(b))
}

type pathEntry struct {
	extent uint32
	parent uint16
	ident  string
}

// pathTable reads the L table and, when present, the M table. Tables
// that disagree are settled like a dual-endian field.
func (img *Image) pathTable() ([]pathEntry, error) {
	vd := img.vd
	if vd.PathSize == 0 || vd.PathSize > maxPathSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPathTable, vd.PathSize)
	}
	l, errL := img.readPathTable(vd.LPath, binary.LittleEndian)
	if vd.MPath == 0 {
		return l, errL
	}
	m, errM := img.readPathTable(vd.MPath, binary.BigEndian)
	policy := img.codec.Policy
	switch {
	case errL == nil && errM == nil:
	case errL != nil && (errM != nil || policy == binstruct.RequireMatch):
		return nil, errL
	case errM != nil && policy == binstruct.RequireMatch:
		return nil, errM
	case errL != nil:
		return m, nil
	default:
		return l, nil
	}
	if slices.Equal(l, m) {
		return l, nil
	}
	switch policy {
	case binstruct.PreferLittle:
		img.codec.Mismatch("PathTable", uint64(len(l)), uint64(len(m)))
		return l, nil
	case binstruct.PreferBig:
		img.codec.Mismatch("PathTable", uint64(len(l)), uint64(len(m)))
		return m, nil
	}
	return nil, fmt.Errorf("%w: L and M path tables differ", binstruct.ErrDualMismatch)
}

func (img *Image) readPathTable(block uint32, order binary.ByteOrder) ([]pathEntry, error) {
	b := make([]byte, img.vd.PathSize)
	if _, err := img.r.ReadAt(b, int64(block)<<img.shift); err != nil {
		return nil, fmt.Errorf("%w: path table", arcerr.Truncated(err))
	}
	codec := binstruct.Codec{Order: order}
	var table []pathEntry
	for off := 0; off+pathRecordSize <= len(b); {
		var pr pathRecord
		if err := codec.Unmarshal(b[off:], &pr); err != nil {
			return nil, err
		}
		end := off + pathRecordSize + int(pr.NameLen)
		if pr.NameLen == 0 || end > len(b) {
			return nil, fmt.Errorf("%w: record at %d", ErrPathTable, off)
		}
		// the root is its own parent, others follow theirs
		if pr.Parent == 0 || int(pr.Parent) > max(len(table), 1) {
			return nil, fmt.Errorf("%w: record %d has parent %d", ErrPathTable, len(table)+1, pr.Parent)
		}
		table = append(table, pathEntry{pr.Extent + uint32(pr.ExtLen), pr.Parent, string(b[off+pathRecordSize : end])})
		off = end + int(pr.NameLen)%2
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrPathTable)
	}
	return table, nil
}

// Walk calls fn for every file and directory but the root. Directories
// come in path-table order, each followed by the files it holds.
func (img *Image) Walk(fn func(*Header) error) error {
	table, err := img.pathTable()
	if err != nil {
		return err
	}
	paths := make([]string, len(table))
	found := make(map[uint32]*record) // subdirectories by extent, as their parents list them
	for i, pe := range table {
		var self *dirRecord
		if i == 0 {
			self = &img.vd.Root
		} else {
			rec, ok := found[pe.extent]
			if !ok {
				return fmt.Errorf("%w: directory %q at block %d is in no parent", ErrPathTable, pe.ident, pe.extent)
			}
			delete(found, pe.extent)
			paths[i] = path.Join(paths[pe.parent-1], rec.name)
			if err := fn(img.parser.makeHeader(rec, paths[i])); err != nil {
				return err
			}
			self = &rec.dirRecord
		}

		recs, err := img.readDir(self)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.special() || rec.name == "" {
				continue
			}
			if rec.Flags&FlagDir != 0 {
				found[rec.Extent+uint32(rec.ExtLen)] = rec
				continue
			}
			if err := fn(img.parser.makeHeader(rec, path.Join(paths[i], rec.name))); err != nil {
				return err
			}
		}
	}
	return nil
}

// Headers collects what Walk visits.
func (img *Image) Headers() ([]*Header, error) {
	var list []*Header
	err := img.Walk(func(h *Header) error {
		list = append(list, h)
		return nil
	})
	return list, err
}
