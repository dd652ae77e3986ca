// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package iso9660

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/elliotnunn/multiarc/internal/binstruct"
)

// maxExtent is the largest piece of a file one directory record describes.
// It is a whole number of sectors.
var maxExtent int64 = 0xffff_f800

const application = "MULTIARC"

// Builder gathers files and lays them out as an image in WriteTo.
// The primary tree always has ISO 9660 names; Rock Ridge entries carry
// the real names and POSIX metadata, and a Joliet tree carries UCS-2 names.
type Builder struct {
	VolumeID  string
	Joliet    bool
	RockRidge bool
	Created   time.Time // recorded in the volume descriptors and the root

	top *node
}

type node struct {
	h        Header
	data     io.ReaderAt
	parent   *node
	kids     map[string]*node // nil for non-directories
	implicit bool             // a made-up parent

	block uint32        // first sector of the data
	dirs  [2]*dirLayout // per tree
}

func (b *Builder) root() *node {
	if b.top == nil {
		b.top = &node{
			h:        Header{Mode: fs.ModeDir | 0o755, ModTime: b.Created},
			kids:     make(map[string]*node),
			implicit: true,
		}
	}
	return b.top
}

// Add records h, whose data is read from r at write time if h is a
// regular file. Missing parent directories are made up, and adding a
// directory later replaces the made-up one.
func (b *Builder) Add(h *Header, r io.ReaderAt) error {
	name := strings.Trim(h.Name, "/")
	if name == "" || !fs.ValidPath(name) {
		return fmt.Errorf("%w: %q", ErrName, h.Name)
	}
	hh := *h
	hh.Name, hh.Extents, hh.SystemUse = name, nil, nil
	if !hh.Mode.IsRegular() {
		hh.Size = 0
	} else if hh.Size > 0 && r == nil {
		return fmt.Errorf("%w: %q has no data", ErrShortData, name)
	}

	dir := b.root()
	if name == "." {
		if !hh.IsDir() {
			return fmt.Errorf("%w: the root must be a directory", ErrName)
		}
		hh.Name = ""
		dir.h, dir.implicit = hh, false
		return nil
	}
	parts := strings.Split(name, "/")
	for _, p := range parts[:len(parts)-1] {
		kid := dir.kids[p]
		if kid == nil {
			kid = &node{
				h:        Header{Name: path.Join(dir.h.Name, p), Mode: fs.ModeDir | 0o755, ModTime: h.ModTime},
				parent:   dir,
				kids:     make(map[string]*node),
				implicit: true,
			}
			dir.kids[p] = kid
		} else if kid.kids == nil {
			return fmt.Errorf("%w: %q is not a directory", ErrExists, kid.h.Name)
		}
		dir = kid
	}

	last := parts[len(parts)-1]
	if old := dir.kids[last]; old != nil {
		if old.implicit && hh.IsDir() {
			old.h, old.implicit = hh, false
			return nil
		}
		return fmt.Errorf("%w: %q", ErrExists, name)
	}
	n := &node{h: hh, data: r, parent: dir}
	if hh.IsDir() {
		n.kids = make(map[string]*node)
	}
	dir.kids[last] = n
	return nil
}

type tree struct {
	index  int // into node.dirs
	joliet bool
	rr     bool

	dirs         []*dirLayout // in path-table order
	pathSize     uint32
	lpath, mpath uint32
}

type dirLayout struct {
	n      *node
	number int // in the path table, from 1
	parent *dirLayout
	ident  []byte
	recs   []*outRecord
	block  uint32
	size   uint32
}

type recKind uint8

const (
	recSelf recKind = iota
	recParent
	recKid
)

type outRecord struct {
	kind  recKind
	n     *node
	piece int // of a multi-extent file
	ident []byte
	off   int // within the directory extent

	// areas[0] is the system-use area, the rest continuation areas
	areas [][]byte
}

func (r *outRecord) size() int {
	n := dirRecordSize + len(r.ident)
	if len(r.ident)%2 == 0 {
		n++
	}
	n += len(r.areas[0])
	return n + n%2
}

func sectors(n int64) uint32 {
	return uint32((n + sectorSize - 1) >> sectorShift)
}

// kidIdents names the children of a directory for one tree, unique
// within the directory, and sorts them by those names.
func kidIdents(dir *node, joliet bool) ([]*node, map[*node][]byte) {
	names := slices.Sorted(maps.Keys(dir.kids))
	ids := make(map[*node][]byte)
	used := make(map[string]bool)
	var kids []*node
	for _, name := range names {
		k := dir.kids[name]
		for seq := 0; ; seq++ {
			var id []byte
			if joliet {
				id = jolietIdent(name, seq)
			} else {
				id = []byte(isoIdent(name, k.kids != nil, seq))
			}
			if !used[string(id)] {
				used[string(id)] = true
				ids[k] = id
				break
			}
		}
		kids = append(kids, k)
	}
	slices.SortFunc(kids, func(a, b *node) int {
		return cmp.Compare(string(ids[a]), string(ids[b]))
	})
	return kids, ids
}

func dChars(s string, limit int) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(s) {
		if sb.Len() == limit {
			break
		}
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func withSeq(base string, limit, seq int) string {
	if seq == 0 {
		return base
	}
	tag := "~" + strconv.Itoa(seq)
	return base[:min(len(base), limit-len(tag))] + tag
}

// isoIdent makes a relaxed ISO 9660 identifier: 31 characters for a
// directory, 30 for a file name and extension.
func isoIdent(name string, dir bool, seq int) string {
	if dir {
		return withSeq(dChars(name, 31), 31, seq)
	}
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	ext = dChars(ext, 8)
	limit := 30 - len(ext) - 1
	return withSeq(dChars(base, limit), limit, seq) + "." + ext + ";1"
}

// jolietIdent makes a UCS-2 identifier of at most 64 characters.
func jolietIdent(name string, seq int) []byte {
	var units []uint16
	for _, r := range name {
		switch r {
		case '*', '/', ':', ';', '?', '\\':
			r = '_'
		}
		units = utf16.AppendRune(units, r)
	}
	limit := 64
	if seq > 0 {
		tag := utf16.Encode([]rune("~" + strconv.Itoa(seq)))
		limit -= len(tag)
		units = append(clip16(units, limit), tag...)
	} else {
		units = clip16(units, limit)
	}
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.BigEndian.PutUint16(b[2*i:], u)
	}
	return b
}

// clip16 shortens units without splitting a surrogate pair.
func clip16(units []uint16, n int) []uint16 {
	if len(units) <= n {
		return units
	}
	if n > 0 && utf16.IsSurrogate(rune(units[n-1])) && units[n-1] < 0xdc00 {
		n--
	}
	return units[:n]
}

func (b *Builder) layoutTree(t *tree) {
	root := &dirLayout{n: b.top, number: 1, ident: []byte{0}}
	t.dirs = []*dirLayout{root}
	b.top.dirs[t.index] = root
	for i := 0; i < len(t.dirs); i++ {
		d := t.dirs[i]
		kids, ids := kidIdents(d.n, t.joliet)
		d.recs = []*outRecord{
			{kind: recSelf, n: d.n, ident: []byte{0}},
			{kind: recParent, n: d.n, ident: []byte{1}},
		}
		for _, k := range kids {
			if k.kids != nil {
				sub := &dirLayout{n: k, number: len(t.dirs) + 1, parent: d, ident: ids[k]}
				t.dirs = append(t.dirs, sub)
				k.dirs[t.index] = sub
			}
			pieces := 1
			if k.h.Size > maxExtent {
				pieces = int((k.h.Size + maxExtent - 1) / maxExtent)
			}
			for p := range pieces {
				d.recs = append(d.recs, &outRecord{kind: recKid, n: k, piece: p, ident: ids[k]})
			}
		}
	}

	for _, d := range t.dirs {
		t.pathSize += uint32(pathRecordSize + len(d.ident) + len(d.ident)%2)
		pos := 0
		for _, rec := range d.recs {
			var entries [][]byte
			if t.rr && rec.piece == 0 {
				entries = b.rrEntries(d, rec)
			}
			base := dirRecordSize + len(rec.ident)
			if len(rec.ident)%2 == 0 {
				base++
			}
			rec.areas = packSUSP(entries, 254-base)
			n := rec.size()
			if pos%sectorSize+n > sectorSize {
				pos = (pos/sectorSize + 1) * sectorSize
			}
			rec.off = pos
			pos += n
		}
		d.size = sectors(int64(pos)) << sectorShift
	}
}

func (b *Builder) rrEntries(d *dirLayout, rec *outRecord) [][]byte {
	var list [][]byte
	h := rec.n.h
	switch rec.kind {
	case recSelf:
		if d.parent == nil {
			list = append(list, spEntry())
		}
		h.Nlink = nlink(rec.n)
		list = append(list, pxEntryFor(&h))
		if tf := tfEntry(&h); tf != nil {
			list = append(list, tf)
		}
		if d.parent == nil {
			list = append(list, erEntry())
		}
	case recParent:
		p := rec.n
		if p.parent != nil {
			p = p.parent
		}
		ph := p.h
		ph.Nlink = nlink(p)
		list = append(list, pxEntryFor(&ph))
	case recKid:
		if rec.n.kids != nil {
			h.Nlink = nlink(rec.n)
		}
		list = append(list, pxEntryFor(&h))
		if tf := tfEntry(&h); tf != nil {
			list = append(list, tf)
		}
		list = append(list, nmEntries(path.Base(h.Name))...)
		if h.Mode&fs.ModeSymlink != 0 {
			list = append(list, slEntries(h.Linkname)...)
		}
		if h.Mode&fs.ModeDevice != 0 {
			list = append(list, pnEntryFor(&h))
		}
	}
	return list
}

func nlink(dir *node) int {
	n := 2
	for _, k := range dir.kids {
		if k.kids != nil {
			n++
		}
	}
	return n
}

// WriteTo lays out the image and writes it to w.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	b.root()
	trees := []*tree{{index: 0, rr: b.RockRidge}}
	if b.Joliet {
		trees = append(trees, &tree{index: 1, joliet: true})
	}
	for _, t := range trees {
		b.layoutTree(t)
	}

	next := uint32(descStart + len(trees) + 1)
	for _, t := range trees {
		n := sectors(int64(t.pathSize))
		t.lpath, t.mpath = next, next+n
		next += 2 * n
	}
	for _, t := range trees {
		for _, d := range t.dirs {
			d.block = next
			next += d.size >> sectorShift
		}
	}

	// continuation areas, none crossing a sector
	ceOff := uint32(0)
	var areas [][]byte
	var areaAt []int64
	for _, d := range trees[0].dirs {
		for _, rec := range d.recs {
			for i, area := range rec.areas[1:] {
				if ceOff+uint32(len(area)) > sectorSize {
					next++
					ceOff = 0
				}
				at := int64(next)<<sectorShift | int64(ceOff)
				setCE(rec.areas[i], next, ceOff, uint32(len(area)))
				areas, areaAt = append(areas, area), append(areaAt, at)
				ceOff += uint32(len(area))
			}
		}
	}
	if ceOff > 0 {
		next++
	}

	var files []*node
	for _, d := range trees[0].dirs {
		for _, rec := range d.recs {
			if rec.kind == recKid && rec.piece == 0 && rec.n.h.Size > 0 && rec.n.kids == nil {
				rec.n.block = next
				next += sectors(rec.n.h.Size)
				files = append(files, rec.n)
			}
		}
	}
	total := next

	pw := &posWriter{w: w}
	pw.seek(descStart)
	for _, t := range trees {
		pw.Write(b.descriptor(t, total))
	}
	term := make([]byte, sectorSize)
	copy(term, []byte{vdTerminator, 'C', 'D', '0', '0', '1', 1})
	pw.Write(term)

	for _, t := range trees {
		pw.seek(t.lpath)
		pw.Write(t.pathTable(binary.LittleEndian))
		pw.seek(t.mpath)
		pw.Write(t.pathTable(binary.BigEndian))
	}
	for _, t := range trees {
		for _, d := range t.dirs {
			pw.seek(d.block)
			pw.Write(b.dirExtent(t, d))
		}
	}
	for i, area := range areas {
		pw.seekByte(areaAt[i])
		pw.Write(area)
	}

	for _, f := range files {
		pw.seek(f.block)
		if pw.err != nil {
			break
		}
		n, err := io.Copy(pw, io.NewSectionReader(f.data, 0, f.h.Size))
		if err != nil && pw.err == nil {
			pw.err = err
		}
		if n < f.h.Size && pw.err == nil {
			pw.err = fmt.Errorf("%w: %q gave %d of %d bytes", ErrShortData, f.h.Name, n, f.h.Size)
		}
	}
	pw.seek(total)
	return pw.n, pw.err
}

func (t *tree) pathTable(order binary.ByteOrder) []byte {
	codec := binstruct.Codec{Order: order}
	b := make([]byte, 0, t.pathSize)
	for _, d := range t.dirs {
		parent := 1
		if d.parent != nil {
			parent = d.parent.number
		}
		var hdr [pathRecordSize]byte
		codec.MarshalTo(hdr[:], &pathRecord{
			NameLen: uint8(len(d.ident)),
			Extent:  d.block,
			Parent:  uint16(parent),
		})
		b = append(b, hdr[:]...)
		b = append(b, d.ident...)
		if len(d.ident)%2 == 1 {
			b = append(b, 0)
		}
	}
	return b
}

func (b *Builder) dirExtent(t *tree, d *dirLayout) []byte {
	buf := make([]byte, d.size)
	for _, rec := range d.recs {
		dr := dirRecord{
			Len:     uint8(rec.size()),
			VolSeq:  1,
			NameLen: uint8(len(rec.ident)),
		}
		var n *node
		switch rec.kind {
		case recSelf:
			n = d.n
		case recParent:
			n = d.n
			if d.parent != nil {
				n = d.parent.n
			}
		default:
			n = rec.n
		}
		dr.Date = putRecTime(n.h.ModTime)
		if n.kids != nil {
			l := n.dirs[t.index]
			dr.Extent, dr.Size, dr.Flags = l.block, l.size, FlagDir
		} else if n.h.Size > 0 {
			start := int64(rec.piece) * maxExtent
			dr.Extent = n.block + uint32(start>>sectorShift)
			dr.Size = uint32(min(n.h.Size-start, maxExtent))
			if start+maxExtent < n.h.Size {
				dr.Flags |= FlagMultiExtent
			}
		}
		if n.h.Flags&FlagHidden != 0 && rec.kind == recKid {
			dr.Flags |= FlagHidden
		}
		out := buf[rec.off:]
		binstruct.MarshalTo(out, &dr)
		copy(out[dirRecordSize:], rec.ident)
		su := dirRecordSize + len(rec.ident)
		if len(rec.ident)%2 == 0 {
			su++
		}
		copy(out[su:], rec.areas[0])
	}
	return buf
}

func (b *Builder) descriptor(t *tree, total uint32) []byte {
	root := t.dirs[0]
	vd := volDesc{
		Type:      vdPrimary,
		ID:        [5]byte{'C', 'D', '0', '0', '1'},
		Version:   1,
		Blocks:    total,
		SetSize:   1,
		SeqNum:    1,
		BlockSize: sectorSize,
		PathSize:  t.pathSize,
		LPath:     t.lpath,
		MPath:     t.mpath,
		Root: dirRecord{
			Len:     dirRecordSize + 1,
			Extent:  root.block,
			Size:    root.size,
			Date:    putRecTime(b.top.h.ModTime),
			Flags:   FlagDir,
			VolSeq:  1,
			NameLen: 1,
		},
		Created:   putDecTime(b.Created),
		Modified:  putDecTime(b.Created),
		Expires:   putDecTime(time.Time{}),
		Effective: putDecTime(time.Time{}),
		FSVersion: 1,
	}
	text := []struct {
		dst []byte
		s   string
	}{
		{vd.System[:], ""},
		{vd.Volume[:], b.VolumeID},
		{vd.VolumeSet[:], ""},
		{vd.Publisher[:], ""},
		{vd.Preparer[:], ""},
		{vd.Application[:], application},
		{vd.Copyright[:], ""},
		{vd.Abstract[:], ""},
		{vd.Biblio[:], ""},
	}
	if t.joliet {
		vd.Type = vdSupplementary
		copy(vd.Escapes[:], "%/E")
		for _, f := range text {
			padUCS2(f.dst, f.s)
		}
	} else {
		for _, f := range text {
			padASCII(f.dst, strings.ToUpper(f.s))
		}
		padASCII(vd.Volume[:], dChars(b.VolumeID, len(vd.Volume)))
	}
	buf := make([]byte, sectorSize)
	binstruct.MarshalTo(buf, &vd)
	return buf
}

func padASCII(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func padUCS2(dst []byte, s string) {
	units := clip16(utf16.Encode([]rune(s)), len(dst)/2)
	for i := 0; i+1 < len(dst); i += 2 {
		u := uint16(' ')
		if i/2 < len(units) {
			u = units[i/2]
		}
		binary.BigEndian.PutUint16(dst[i:], u)
	}
}

// posWriter writes zeros to reach each position it is asked for.
type posWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (p *posWriter) Write(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	n, err := p.w.Write(b)
	p.n += int64(n)
	p.err = err
	return n, err
}

var zeros [sectorSize]byte

func (p *posWriter) seekByte(off int64) {
	for p.err == nil && p.n < off {
		p.Write(zeros[:min(int64(len(zeros)), off-p.n)])
	}
}

func (p *posWriter) seek(block uint32) { p.seekByte(int64(block) << sectorShift) }
