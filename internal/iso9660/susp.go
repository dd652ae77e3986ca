// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package iso9660

import (
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
)

// System Use Sharing Protocol entries: a two-letter signature,
// a length byte covering the whole entry, a version byte, then data.

const (
	sueHeader = 4
	sueMax    = 255

	ceLen = 28
	maxCE = 32 // continuation hops per record
)

// Rock Ridge extension identifiers announced by ER.
var rrIDs = []string{"RRIP_1991A", "IEEE_P1282", "IEEE_1282"}

const (
	rrID         = "RRIP_1991A"
	rrDescriptor = "THE ROCK RIDGE INTERCHANGE PROTOCOL PROVIDES SUPPORT FOR POSIX FILE SYSTEM SEMANTICS"
	rrSource     = "PLEASE CONTACT DISC PUBLISHER FOR SPECIFICATION SOURCE.  SEE PUBLISHER IDENTIFIER IN PRIMARY VOLUME DESCRIPTOR FOR CONTACT INFORMATION."
)

type ceEntry struct {
	Block  uint32 `bin:"0,both"`
	Offset uint32 `bin:"8,both"`
	Length uint32 `bin:"16,both"`
}

type pxEntry struct {
	Mode  uint32 `bin:"0,both"`
	Nlink uint32 `bin:"8,both"`
	Uid   uint32 `bin:"16,both"`
	Gid   uint32 `bin:"24,both"`
}

type pnEntry struct {
	High uint32 `bin:"0,both"`
	Low  uint32 `bin:"8,both"`
}

type sue struct {
	sig  string
	data []byte
}

// TF flags
const (
	tfCreate = 1 << iota
	tfModify
	tfAccess
	tfAttributes
	tfBackup
	tfExpiration
	tfEffective
	tfLongForm
)

// NM and SL component flags
const (
	nmContinue = 1
	nmCurrent  = 2
	nmParent   = 4

	slContinue = 1
	slCurrent  = 2
	slParent   = 4
	slRoot     = 8
)

// entries splits a system-use area into entries, following CE
// continuation areas. It stops quietly at an ST entry or at bytes that
// cannot be an entry, such as padding.
func (img *Image) entries(su []byte) ([]sue, error) {
	var list []sue
	for hop := 0; ; hop++ {
		var next *ceEntry
		for len(su) >= sueHeader {
			n := int(su[2])
			if n < sueHeader || n > len(su) {
				break
			}
			e := sue{string(su[:2]), su[sueHeader:n]}
			su = su[n:]
			if e.sig == "ST" {
				break
			}
			if e.sig == "CE" {
				var ce ceEntry
				if err := img.codec.Unmarshal(e.data, &ce); err != nil {
					return list, err
				}
				next = &ce
				continue
			}
			list = append(list, e)
		}
		if next == nil || hop == maxCE {
			return list, nil
		}
		if next.Length > sectorSize*4 {
			return list, ErrRecord
		}
		su = make([]byte, next.Length)
		if _, err := img.r.ReadAt(su, int64(next.Block)<<img.shift+int64(next.Offset)); err != nil {
			return list, arcerr.Truncated(err)
		}
	}
}

// rockRidge is what the entries of one record say.
type rockRidge struct {
	name     string
	haveName bool

	link     string
	haveLink bool

	px     pxEntry
	havePX bool
	ino    uint64

	dev     pnEntry
	haveDev bool

	create, modify, access, attributes time.Time
}

func (img *Image) parseRockRidge(list []sue) (*rockRidge, error) {
	rr := new(rockRidge)
	var name strings.Builder
	var link slComposer
	for _, e := range list {
		switch e.sig {
		case "NM":
			if len(e.data) < 1 {
				continue
			}
			switch {
			case e.data[0]&nmCurrent != 0:
				name.WriteString(".")
			case e.data[0]&nmParent != 0:
				name.WriteString("..")
			default:
				name.Write(e.data[1:])
			}
			rr.haveName = true
		case "SL":
			if len(e.data) < 1 {
				continue
			}
			link.add(e.data[1:])
			rr.haveLink = true
		case "PX":
			if err := img.codec.Unmarshal(e.data, &rr.px); err != nil {
				return nil, err
			}
			rr.havePX = true
			if len(e.data) >= 40 {
				var serial struct {
					Ino uint32 `bin:"0,both"`
				}
				if err := img.codec.Unmarshal(e.data[32:], &serial); err != nil {
					return nil, err
				}
				rr.ino = uint64(serial.Ino)
			}
		case "PN":
			if err := img.codec.Unmarshal(e.data, &rr.dev); err != nil {
				return nil, err
			}
			rr.haveDev = true
		case "TF":
			rr.parseTF(e.data)
		}
	}
	rr.name = name.String()
	rr.link = link.String()
	return rr, nil
}

func (rr *rockRidge) parseTF(b []byte) {
	if len(b) < 1 {
		return
	}
	flags := b[0]
	b = b[1:]
	width := 7
	if flags&tfLongForm != 0 {
		width = 17
	}
	for _, slot := range []struct {
		bit byte
		t   *time.Time
	}{
		{tfCreate, &rr.create},
		{tfModify, &rr.modify},
		{tfAccess, &rr.access},
		{tfAttributes, &rr.attributes},
	} {
		if flags&slot.bit == 0 {
			continue
		}
		if len(b) < width {
			return
		}
		if width == 7 {
			*slot.t = recTime([7]byte(b[:7]))
		} else {
			*slot.t = decTime(b[:17])
		}
		b = b[width:]
	}
}

// slComposer rebuilds a symlink target from SL component records,
// which may continue across entries.
type slComposer struct {
	parts []string
	cur   strings.Builder
	open  bool // the last component continues
}

func (c *slComposer) add(b []byte) {
	for len(b) >= 2 {
		flags, n := b[0], int(b[1])
		if 2+n > len(b) {
			n = len(b) - 2
		}
		switch {
		case flags&slCurrent != 0:
			c.cur.WriteString(".")
		case flags&slParent != 0:
			c.cur.WriteString("..")
		case flags&slRoot != 0:
			c.cur.WriteString("/")
		default:
			c.cur.Write(b[2 : 2+n])
		}
		c.open = flags&slContinue != 0
		if !c.open {
			c.parts = append(c.parts, c.cur.String())
			c.cur.Reset()
		}
		b = b[2+n:]
	}
}

func (c *slComposer) String() string {
	parts := c.parts
	if c.open {
		parts = append(parts, c.cur.String())
	}
	if len(parts) > 0 && parts[0] == "/" {
		return "/" + strings.Join(parts[1:], "/")
	}
	return strings.Join(parts, "/")
}

// Encoding

func entry(sig string, data ...[]byte) []byte {
	b := []byte{sig[0], sig[1], 0, 1}
	for _, d := range data {
		b = append(b, d...)
	}
	b[2] = byte(len(b))
	return b
}

func spEntry() []byte { return entry("SP", []byte{0xbe, 0xef, 0}) }

func erEntry() []byte {
	return entry("ER", []byte{byte(len(rrID)), byte(len(rrDescriptor)), byte(len(rrSource)), 1},
		[]byte(rrID), []byte(rrDescriptor), []byte(rrSource))
}

func pxEntryFor(h *Header) []byte {
	nlink := uint32(max(h.Nlink, 1))
	b, _ := binstruct.Marshal(&pxEntry{
		Mode:  posixMode(h.Mode),
		Nlink: nlink,
		Uid:   uint32(h.Uid),
		Gid:   uint32(h.Gid),
	})
	return entry("PX", b)
}

func pnEntryFor(h *Header) []byte {
	b, _ := binstruct.Marshal(&pnEntry{High: h.Devmajor, Low: h.Devminor})
	return entry("PN", b)
}

func tfEntry(h *Header) []byte {
	var flags byte
	var stamps []byte
	for _, slot := range []struct {
		bit byte
		t   time.Time
	}{
		{tfCreate, h.CreateTime},
		{tfModify, h.ModTime},
		{tfAccess, h.AccessTime},
		{tfAttributes, h.ChangeTime},
	} {
		if slot.t.IsZero() {
			continue
		}
		flags |= slot.bit
		t := putRecTime(slot.t)
		stamps = append(stamps, t[:]...)
	}
	if flags == 0 {
		return nil
	}
	return entry("TF", []byte{flags}, stamps)
}

// nmEntries carries a name in as many NM entries as it needs.
func nmEntries(name string) [][]byte {
	const budget = sueMax - sueHeader - 1
	var list [][]byte
	for {
		if len(name) <= budget {
			return append(list, entry("NM", []byte{0}, []byte(name)))
		}
		list = append(list, entry("NM", []byte{nmContinue}, []byte(name[:budget])))
		name = name[budget:]
	}
}

// slBudget is the most component bytes one SL entry can hold:
// the entry header and flags byte, then one component header.
const slBudget = sueMax - 5 - 2

// slEntries splits a symlink target into SL entries of at most 255 bytes.
// Components too long for one entry continue in the next.
func slEntries(target string) [][]byte {
	var comps [][]byte
	if strings.HasPrefix(target, "/") {
		comps = append(comps, []byte{slRoot, 0})
		target = strings.TrimLeft(target, "/")
	}
	for _, c := range strings.Split(target, "/") {
		switch c {
		case "":
		case ".":
			comps = append(comps, []byte{slCurrent, 0})
		case "..":
			comps = append(comps, []byte{slParent, 0})
		default:
			for len(c) > slBudget {
				comps = append(comps, append([]byte{slContinue, slBudget}, c[:slBudget]...))
				c = c[slBudget:]
			}
			comps = append(comps, append([]byte{0, byte(len(c))}, c...))
		}
	}

	var list [][]byte
	cur := []byte{'S', 'L', 0, 1, 0}
	for _, comp := range comps {
		if len(cur)+len(comp) > sueMax {
			cur[4] = slContinue
			cur[2] = byte(len(cur))
			list = append(list, cur)
			cur = []byte{'S', 'L', 0, 1, 0}
		}
		cur = append(cur, comp...)
	}
	cur[2] = byte(len(cur))
	return append(list, cur)
}

// packSUSP lays entries into a record's system-use area of room bytes
// and as many continuation areas as needed, each at most a sector.
// Every area but the last ends in a CE entry to be filled in later.
func packSUSP(entries [][]byte, room int) [][]byte {
	var areas [][]byte
	var cur []byte
	limit := room
	rest := 0
	for _, e := range entries {
		rest += len(e)
	}
	for _, e := range entries {
		if len(cur)+rest <= limit {
			cur = append(cur, e...)
			rest -= len(e)
			continue
		}
		if len(cur)+len(e)+ceLen > limit {
			cur = append(cur, make([]byte, ceLen)...)
			areas = append(areas, cur)
			cur, limit = nil, sectorSize
		}
		cur = append(cur, e...)
		rest -= len(e)
	}
	return append(areas, cur)
}

// setCE fills in the CE entry that ends area.
func setCE(area []byte, block, offset, length uint32) {
	ce := area[len(area)-ceLen:]
	copy(ce, entry("CE", make([]byte, ceLen-sueHeader)))
	binstruct.MarshalTo(ce[sueHeader:], &ceEntry{block, offset, length})
}
