// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tar

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
)

// Reader walks the headers of a tar stream, serving each entry's payload in turn.
type Reader struct {
	r      io.Reader
	pad    int64 // padding after the current payload
	remain int64 // payload bytes not yet read
	global map[string]string
	err    error
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next advances to the next entry, skipping whatever is left of the current one.
// It returns io.EOF at the end of the archive.
func (tr *Reader) Next() (*Header, error) {
	if tr.err != nil {
		return nil, tr.err
	}
	if err := discard(tr.r, tr.remain+tr.pad); err != nil {
		tr.err = arcerr.Truncated(err)
		return nil, tr.err
	}
	tr.remain, tr.pad = 0, 0

	hdr, err := readHeader(tr.r, &tr.global)
	if err != nil {
		tr.err = err
		return nil, err
	}
	tr.remain = hdr.PayloadSize()
	tr.pad = blockPadding(tr.remain)
	return hdr, nil
}

// Read reads from the current entry, returning io.EOF at its end.
func (tr *Reader) Read(p []byte) (int, error) {
	if tr.err != nil {
		return 0, tr.err
	}
	if tr.remain == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > tr.remain {
		p = p[:tr.remain]
	}
	n, err := tr.r.Read(p)
	tr.remain -= int64(n)
	if err == io.EOF && tr.remain > 0 {
		err = arcerr.Truncated(io.ErrUnexpectedEOF)
		tr.err = err
	}
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// ReadHeader reads one logical header from r, which must sit on a block boundary.
// It consumes any GNU or PAX pseudo-entries before it, but not the payload.
// It returns io.EOF at the zero-block trailer or at a clean end of stream.
func ReadHeader(r io.Reader) (*Header, error) {
	var global map[string]string
	return readHeader(r, &global)
}

func readHeader(r io.Reader, global *map[string]string) (*Header, error) {
	var paxHdrs map[string]string
	var gnuLongName, gnuLongLink string
	var blk block

	for {
		if _, err := io.ReadFull(r, blk[:]); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, arcerr.Truncated(err)
		}
		hdr, err := parseBlock(&blk)
		if err != nil {
			return nil, err
		}
		if hdr == nil {
			// A zero block. The trailer has two; be lenient about the second.
			if _, err := io.ReadFull(r, blk[:]); err == nil && blk != zeroBlock {
				return nil, ErrHeader
			}
			return nil, io.EOF
		}

		size := hdr.PayloadSize()
		switch hdr.Typeflag {
		case TypeXHeader, TypeXGlobalHeader:
			buf, err := readSpecialFile(io.LimitReader(r, size))
			if err != nil {
				return nil, err
			}
			if int64(len(buf)) < size {
				return nil, arcerr.Truncated(io.ErrUnexpectedEOF)
			}
			recs, err := parsePAX(buf)
			if err != nil {
				return nil, err
			}
			if err := discard(r, blockPadding(size)); err != nil {
				return nil, arcerr.Truncated(err)
			}
			if hdr.Typeflag == TypeXGlobalHeader {
				if *global == nil {
					*global = make(map[string]string)
				}
				for k, v := range recs {
					(*global)[k] = v
				}
			} else {
				paxHdrs = recs
			}
			continue
		case TypeGNULongName, TypeGNULongLink:
			realname, err := readSpecialFile(io.LimitReader(r, size))
			if err != nil {
				return nil, err
			}
			if int64(len(realname)) < size {
				return nil, arcerr.Truncated(io.ErrUnexpectedEOF)
			}
			if err := discard(r, blockPadding(size)); err != nil {
				return nil, arcerr.Truncated(err)
			}
			var p parser
			if hdr.Typeflag == TypeGNULongName {
				gnuLongName = p.parseString(realname)
			} else {
				gnuLongLink = p.parseString(realname)
			}
			continue
		case TypeGNUSparse:
			return nil, ErrSparse
		}

		merged := make(map[string]string, len(*global)+len(paxHdrs))
		for k, v := range *global {
			merged[k] = v
		}
		for k, v := range paxHdrs {
			merged[k] = v
		}
		if len(merged) > 0 {
			for k := range merged {
				if strings.HasPrefix(k, paxGNUSparse) {
					return nil, ErrSparse
				}
			}
			if err := mergePAX(hdr, merged); err != nil {
				return nil, err
			}
			if len(paxHdrs) > 0 {
				hdr.Format = FormatPAX
			}
		}
		if gnuLongName != "" {
			hdr.Name = gnuLongName
		}
		if gnuLongLink != "" {
			hdr.Linkname = gnuLongLink
		}
		if hdr.Typeflag == TypeRegA {
			if strings.HasSuffix(hdr.Name, "/") {
				hdr.Typeflag = TypeDir // Legacy archives use trailing slash for directories
			} else {
				hdr.Typeflag = TypeReg
			}
		}
		return hdr, nil
	}
}

// parseBlock decodes one header block. It returns nil for a zero block.
func parseBlock(blk *block) (*Header, error) {
	if *blk == zeroBlock {
		return nil, nil
	}

	var raw rawHeader
	if err := binstruct.Unmarshal(blk[:], &raw); err != nil {
		return nil, err
	}

	var p parser
	stored := p.parseOctal(raw.Chksum[:])
	unsigned, signed := blk.checksum()
	if p.err != nil {
		return nil, ErrHeader
	}
	if stored != unsigned && stored != signed {
		return nil, ErrChecksum
	}

	format := blk.format()
	hdr := &Header{
		Typeflag: raw.Typeflag,
		Name:     p.parseString(raw.Name[:]),
		Linkname: p.parseString(raw.Linkname[:]),
		Size:     p.parseNumeric(raw.Size[:]),
		Mode:     p.parseNumeric(raw.Mode[:]),
		Uid:      int(p.parseNumeric(raw.Uid[:])),
		Gid:      int(p.parseNumeric(raw.Gid[:])),
		ModTime:  time.Unix(p.parseNumeric(raw.ModTime[:]), 0),
		Checksum: stored,
		Format:   format,
	}

	if format != FormatV7 {
		hdr.Uname = p.parseString(raw.Uname[:])
		hdr.Gname = p.parseString(raw.Gname[:])
		hdr.Devmajor = p.parseNumeric(raw.Devmajor[:])
		hdr.Devminor = p.parseNumeric(raw.Devminor[:])
	}
	switch format {
	case FormatUSTAR:
		if prefix := p.parseString(raw.Prefix[:]); prefix != "" {
			hdr.Name = prefix + "/" + hdr.Name
		}
	case FormatGNU:
		var times gnuTimes
		binstruct.Unmarshal(blk[:], &times)
		if times.AccessTime[0] != 0 {
			hdr.AccessTime = time.Unix(p.parseNumeric(times.AccessTime[:]), 0)
		}
		if times.ChangeTime[0] != 0 {
			hdr.ChangeTime = time.Unix(p.parseNumeric(times.ChangeTime[:]), 0)
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	if hdr.Size < 0 || hdr.Size > maxSize {
		return nil, ErrHeader
	}
	return hdr, nil
}

// mergePAX merges paxHdrs into hdr for all relevant fields of Header.
func mergePAX(hdr *Header, paxHdrs map[string]string) (err error) {
	for k, v := range paxHdrs {
		if v == "" {
			continue // Keep the original USTAR value
		}
		var id64 int64
		switch k {
		case paxPath:
			hdr.Name = v
		case paxLinkpath:
			hdr.Linkname = v
		case paxUname:
			hdr.Uname = v
		case paxGname:
			hdr.Gname = v
		case paxUid:
			id64, err = strconv.ParseInt(v, 10, 64)
			hdr.Uid = int(id64) // Integer overflow possible
		case paxGid:
			id64, err = strconv.ParseInt(v, 10, 64)
			hdr.Gid = int(id64) // Integer overflow possible
		case paxAtime:
			hdr.AccessTime, err = parsePAXTime(v)
		case paxMtime:
			hdr.ModTime, err = parsePAXTime(v)
		case paxCtime:
			hdr.ChangeTime, err = parsePAXTime(v)
		case paxSize:
			hdr.Size, err = strconv.ParseInt(v, 10, 64)
			if hdr.Size < 0 || hdr.Size > maxSize {
				err = ErrHeader
			}
		}
		if err != nil {
			return ErrHeader
		}
	}
	hdr.PAXRecords = paxHdrs
	return nil
}

// parsePAX parses PAX headers.
// If an extended header (type 'x') is invalid, ErrHeader is returned.
func parsePAX(buf []byte) (map[string]string, error) {
	sbuf := string(buf)

	paxHdrs := make(map[string]string)
	for len(sbuf) > 0 {
		key, value, residual, err := parsePAXRecord(sbuf)
		if err != nil {
			return nil, ErrHeader
		}
		sbuf = residual
		paxHdrs[key] = value
	}
	return paxHdrs, nil
}

// readSpecialFile is like io.ReadAll except it returns
// ErrFieldTooLong if more than maxSpecialFileSize is read.
func readSpecialFile(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(io.LimitReader(r, maxSpecialFileSize+1))
	if len(buf) > maxSpecialFileSize {
		return nil, ErrFieldTooLong
	}
	return buf, err
}

// discard skips n bytes in r, reporting an error if unable to do so.
func discard(r io.Reader, n int64) error {
	if n == 0 {
		return nil
	}
	// If possible, Seek to the last byte before the end of the data section.
	// Do this because Seek is often lazy about reporting errors; this will mask
	// the fact that the stream may be truncated. We can rely on the
	// io.CopyN done shortly afterwards to trigger any IO errors.
	var seekSkipped int64 // Number of bytes skipped via Seek
	if sr, ok := r.(io.Seeker); ok && n > 1 {
		// Not all io.Seeker can actually Seek. For example, os.Stdin implements
		// io.Seeker, but calling Seek always returns an error and performs
		// no action. Thus, we try an innocent seek to the current position
		// to see if Seek is really supported.
		pos1, err := sr.Seek(0, io.SeekCurrent)
		if pos1 >= 0 && err == nil {
			// Seek seems supported, so perform the real Seek.
			pos2, err := sr.Seek(n-1, io.SeekCurrent)
			if pos2 < 0 || err != nil {
				return err
			}
			seekSkipped = pos2 - pos1
		}
	}

	copySkipped, err := io.CopyN(io.Discard, r, n-seekSkipped)
	if err == io.EOF && seekSkipped+copySkipped < n {
		err = io.ErrUnexpectedEOF
	}
	return err
}

