// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tar

import (
	"bytes"
	"io"
	"maps"
	"path"
	"slices"
	"strconv"
	"time"

	"github.com/elliotnunn/multiarc/internal/binstruct"
)

// basicKeys are the PAX records that Header fields already carry.
var basicKeys = map[string]bool{
	paxPath: true, paxLinkpath: true, paxSize: true, paxUid: true, paxGid: true,
	paxUname: true, paxGname: true, paxMtime: true, paxAtime: true, paxCtime: true,
}

// Writer writes a sequence of entries, padding each payload and
// finishing with the two-block trailer.
type Writer struct {
	w      io.Writer
	remain int64 // payload bytes still owed for the current entry
	pad    int64
	closed bool
	err    error
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader finishes the current entry and starts a new one.
func (tw *Writer) WriteHeader(h *Header) error {
	if err := tw.Flush(); err != nil {
		return err
	}
	if err := WriteHeader(tw.w, h); err != nil {
		tw.err = err
		return err
	}
	tw.remain = h.PayloadSize()
	tw.pad = blockPadding(tw.remain)
	return nil
}

// Write writes payload bytes, no more than the header declared.
func (tw *Writer) Write(p []byte) (int, error) {
	if tw.err != nil {
		return 0, tw.err
	}
	if tw.closed {
		return 0, ErrWriteAfterClose
	}
	overflow := false
	if int64(len(p)) > tw.remain {
		p = p[:tw.remain]
		overflow = true
	}
	n, err := tw.w.Write(p)
	tw.remain -= int64(n)
	if err != nil {
		tw.err = err
		return n, err
	}
	if overflow {
		return n, ErrWriteTooLong
	}
	return n, nil
}

// Flush pads out the current entry. It fails if the payload is short.
func (tw *Writer) Flush() error {
	if tw.err != nil {
		return tw.err
	}
	if tw.closed {
		return ErrWriteAfterClose
	}
	if tw.remain > 0 {
		return ErrWriteTooLong
	}
	if tw.pad > 0 {
		if _, err := tw.w.Write(zeroBlock[:tw.pad]); err != nil {
			tw.err = err
			return err
		}
		tw.pad = 0
	}
	return nil
}

// Close writes the trailer. It does not close the underlying writer.
func (tw *Writer) Close() error {
	if tw.closed {
		return nil
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	tw.closed = true
	_, err := tw.w.Write(Trailer())
	return err
}

// WriteHeader writes h as one or more header blocks: a PAX record
// entry when some field needs one, GNU long-name and long-link entries
// when a name fits neither the name field nor name plus prefix, then
// the ustar block itself.
func WriteHeader(w io.Writer, h *Header) error {
	b, err := encodeHeader(h)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func encodeHeader(h *Header) ([]byte, error) {
	if h.Size < 0 {
		return nil, ErrHeader
	}
	format := FormatUSTAR
	name, prefix := h.Name, ""
	if len(name) > nameSize {
		if p, s, ok := splitUSTARPath(name); ok {
			prefix, name = p, s
		} else {
			format = FormatGNU
		}
	}
	if len(h.Linkname) > nameSize || !h.AccessTime.IsZero() || !h.ChangeTime.IsZero() {
		format = FormatGNU
	}
	if !fitsOctal(h.Size, 12) || !fitsOctal(unixTime(h.ModTime), 12) || !fitsOctal(h.Mode, 8) ||
		!fitsOctal(int64(h.Uid), 8) || !fitsOctal(int64(h.Gid), 8) ||
		!fitsOctal(h.Devmajor, 8) || !fitsOctal(h.Devminor, 8) {
		format = FormatGNU
	}
	if format == FormatGNU {
		name, prefix = h.Name, ""
	}

	var out bytes.Buffer
	pax := make(map[string]string)
	for k, v := range h.PAXRecords {
		if !basicKeys[k] {
			pax[k] = v
		}
	}
	if len(h.Uname) > 32 {
		pax[paxUname] = h.Uname
	}
	if len(h.Gname) > 32 {
		pax[paxGname] = h.Gname
	}
	if len(pax) > 0 {
		var recs bytes.Buffer
		for _, k := range slices.Sorted(maps.Keys(pax)) {
			rec, err := formatPAXRecord(k, pax[k])
			if err != nil {
				return nil, err
			}
			recs.WriteString(rec)
		}
		paxName := path.Join(path.Dir(h.Name), "PaxHeaders.0", path.Base(h.Name))
		if err := writeSpecial(&out, TypeXHeader, paxName, recs.Bytes(), FormatUSTAR); err != nil {
			return nil, err
		}
	}

	if format == FormatGNU {
		if len(h.Name) > nameSize {
			if err := writeSpecial(&out, TypeGNULongName, "././@LongLink", []byte(h.Name+"\x00"), FormatGNU); err != nil {
				return nil, err
			}
			name = h.Name[:nameSize]
		}
		if len(h.Linkname) > nameSize {
			if err := writeSpecial(&out, TypeGNULongLink, "././@LongLink", []byte(h.Linkname+"\x00"), FormatGNU); err != nil {
				return nil, err
			}
		}
	}

	blk, err := buildBlock(h, name, prefix, format)
	if err != nil {
		return nil, err
	}
	out.Write(blk[:])
	return out.Bytes(), nil
}

// writeSpecial writes a pseudo-entry carrying data for the header after it.
func writeSpecial(out *bytes.Buffer, flag byte, name string, data []byte, format Format) error {
	h := &Header{Typeflag: flag, Size: int64(len(data))}
	if len(name) > nameSize {
		name = name[:nameSize]
	}
	blk, err := buildBlock(h, name, "", format)
	if err != nil {
		return err
	}
	out.Write(blk[:])
	out.Write(data)
	out.Write(Pad(int64(len(data))))
	return nil
}

func buildBlock(h *Header, name, prefix string, format Format) (*block, error) {
	var raw rawHeader
	var f formatter
	f.formatString(raw.Name[:], truncate(name, nameSize))
	f.formatNumeric(raw.Mode[:], h.Mode)
	f.formatNumeric(raw.Uid[:], int64(h.Uid))
	f.formatNumeric(raw.Gid[:], int64(h.Gid))
	f.formatNumeric(raw.Size[:], h.Size)
	f.formatNumeric(raw.ModTime[:], unixTime(h.ModTime))
	raw.Typeflag = h.Typeflag
	f.formatString(raw.Linkname[:], truncate(h.Linkname, nameSize))
	f.formatString(raw.Uname[:], truncate(h.Uname, 32))
	f.formatString(raw.Gname[:], truncate(h.Gname, 32))
	f.formatNumeric(raw.Devmajor[:], h.Devmajor)
	f.formatNumeric(raw.Devminor[:], h.Devminor)

	switch format {
	case FormatGNU:
		copy(raw.Magic[:], magicGNU)
		copy(raw.Version[:], versionGNU)
	default:
		copy(raw.Magic[:], magicUSTAR)
		copy(raw.Version[:], versionUSTAR)
		f.formatString(raw.Prefix[:], prefix)
	}
	if f.err != nil {
		return nil, f.err
	}

	blk := new(block)
	if err := (binstruct.Codec{}).MarshalTo(blk[:], &raw); err != nil {
		return nil, err
	}
	if format == FormatGNU {
		var times gnuTimes
		if !h.AccessTime.IsZero() {
			f.formatNumeric(times.AccessTime[:], h.AccessTime.Unix())
		}
		if !h.ChangeTime.IsZero() {
			f.formatNumeric(times.ChangeTime[:], h.ChangeTime.Unix())
		}
		if err := (binstruct.Codec{}).MarshalTo(blk[:], &times); err != nil {
			return nil, err
		}
	}

	sum, _ := blk.checksum()
	copy(blk[148:], []byte(leftPadOctal(sum, 6)+"\x00 "))
	return blk, f.err
}

// unixTime writes the zero Time as the epoch.
func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func leftPadOctal(x int64, width int) string {
	s := strconv.FormatInt(x, 8)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
