// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tar

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/elliotnunn/multiarc/internal/binstruct"
)

const (
	blockSize  = 512
	nameSize   = 100
	prefixSize = 155

	maxSpecialFileSize = 1 << 20
	maxSize            = 1 << 62

	magicGNU, versionGNU     = "ustar ", " \x00"
	magicUSTAR, versionUSTAR = "ustar\x00", "00"
)

type block [blockSize]byte

var zeroBlock block

// rawHeader is the ustar header block. GNU reuses the prefix area
// for access and change times.
type rawHeader struct {
	Name     [nameSize]byte   `bin:"0"`
	Mode     [8]byte          `bin:"100"`
	Uid      [8]byte          `bin:"108"`
	Gid      [8]byte          `bin:"116"`
	Size     [12]byte         `bin:"124"`
	ModTime  [12]byte         `bin:"136"`
	Chksum   [8]byte          `bin:"148"`
	Typeflag uint8            `bin:"156"`
	Linkname [nameSize]byte   `bin:"157"`
	Magic    [6]byte          `bin:"257"`
	Version  [2]byte          `bin:"263"`
	Uname    [32]byte         `bin:"265"`
	Gname    [32]byte         `bin:"297"`
	Devmajor [8]byte          `bin:"329"`
	Devminor [8]byte          `bin:"337"`
	Prefix   [prefixSize]byte `bin:"345"`
	_        [12]byte         `bin:"500"`
}

type gnuTimes struct {
	AccessTime [12]byte `bin:"345"`
	ChangeTime [12]byte `bin:"357"`
}

// checksum computes the header checksum with the checksum field read as spaces.
// Some historic tars sum signed bytes, so both sums are returned.
func (b *block) checksum() (unsigned, signed int64) {
	for i, c := range b {
		if 148 <= i && i < 156 {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned, signed
}

func (b *block) format() Format {
	var raw rawHeader
	binstruct.Unmarshal(b[:], &raw)
	switch {
	case string(raw.Magic[:]) == magicUSTAR && string(raw.Version[:]) == versionUSTAR:
		return FormatUSTAR
	case string(raw.Magic[:]) == magicGNU && string(raw.Version[:]) == versionGNU:
		return FormatGNU
	}
	return FormatV7
}

// parser accumulates the first field error, so a header can be
// decoded in one pass and checked once.
type parser struct {
	err error
}

func (*parser) parseString(b []byte) string {
	return binstruct.CString(b)
}

// parseNumeric parses octal, or the GNU base-256 form when the top bit is set.
func (p *parser) parseNumeric(b []byte) int64 {
	if len(b) > 0 && b[0]&0x80 != 0 {
		// two's complement, sign in bit 6 of the first byte
		var inv byte
		if b[0]&0x40 != 0 {
			inv = 0xff
		}
		var x uint64
		for i, c := range b {
			c ^= inv
			if i == 0 {
				c &= 0x7f
			}
			if x>>56 != 0 {
				p.err = ErrHeader // overflow
				return 0
			}
			x = x<<8 | uint64(c)
		}
		if x>>63 != 0 {
			p.err = ErrHeader
			return 0
		}
		if inv == 0xff {
			return ^int64(x)
		}
		return int64(x)
	}
	return p.parseOctal(b)
}

func (p *parser) parseOctal(b []byte) int64 {
	// Trailing NULs and spaces are allowed, as is leading space padding.
	b = bytes.Trim(b, " \x00")
	if len(b) == 0 {
		return 0
	}
	x, err := strconv.ParseUint(string(b), 8, 63)
	if err != nil {
		p.err = ErrHeader
	}
	return int64(x)
}

type formatter struct {
	err error
}

// formatString copies s into b, NUL-padded. A string that fills b exactly is unterminated.
func (f *formatter) formatString(b []byte, s string) {
	if len(s) > len(b) {
		f.err = ErrFieldTooLong
	}
	copy(b, s)
	clear(b[min(len(s), len(b)):])
}

// formatNumeric writes octal when it fits, else base-256.
func (f *formatter) formatNumeric(b []byte, x int64) {
	if fitsOctal(x, len(b)) {
		f.formatOctal(b, x)
		return
	}
	if x >= 0 || len(b) >= 9 {
		for i := len(b) - 1; i >= 0; i-- {
			b[i] = byte(x)
			x >>= 8
		}
		b[0] |= 0x80
		return
	}
	f.formatOctal(b, 0)
	f.err = ErrFieldTooLong
}

func (f *formatter) formatOctal(b []byte, x int64) {
	s := strconv.FormatInt(x, 8)
	if n := len(b) - len(s) - 1; n > 0 {
		s = strings.Repeat("0", n) + s
	}
	f.formatString(b, s)
}

func fitsOctal(x int64, n int) bool {
	return x >= 0 && (n >= 22 || x < 1<<(3*(n-1)))
}

// splitUSTARPath splits a path according to USTAR prefix and suffix rules.
// If the path is not splittable, then it will return ("", "", false).
func splitUSTARPath(name string) (prefix, suffix string, ok bool) {
	length := len(name)
	if length <= nameSize || !isASCII(name) {
		return "", "", false
	} else if length > prefixSize+1 {
		length = prefixSize + 1
	} else if name[length-1] == '/' {
		length--
	}

	i := strings.LastIndex(name[:length], "/")
	nlen := len(name) - i - 1 // nlen is length of suffix
	plen := i                 // plen is length of prefix
	if i <= 0 || nlen > nameSize || nlen == 0 || plen > prefixSize {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// parsePAXTime takes a string of the form %d.%d as described in the PAX
// specification. Note that this implementation allows for negative timestamps,
// which is allowed for by the PAX specification, but not always portable.
func parsePAXTime(s string) (time.Time, error) {
	const maxNanoSecondDigits = 9

	ss, sn, _ := strings.Cut(s, ".")

	secs, err := strconv.ParseInt(ss, 10, 64)
	if err != nil {
		return time.Time{}, ErrHeader
	}
	if len(sn) == 0 {
		return time.Unix(secs, 0), nil
	}

	if strings.Trim(sn, "0123456789") != "" {
		return time.Time{}, ErrHeader
	}
	if len(sn) < maxNanoSecondDigits {
		sn += strings.Repeat("0", maxNanoSecondDigits-len(sn))
	} else {
		sn = sn[:maxNanoSecondDigits]
	}
	nsecs, _ := strconv.ParseInt(sn, 10, 64)
	if len(ss) > 0 && ss[0] == '-' {
		return time.Unix(secs, -1*nsecs), nil
	}
	return time.Unix(secs, nsecs), nil
}

func formatPAXTime(ts time.Time) string {
	secs, nsecs := ts.Unix(), ts.Nanosecond()
	if nsecs == 0 {
		return strconv.FormatInt(secs, 10)
	}
	sign := ""
	if secs < 0 {
		sign = "-"
		secs = -(secs + 1)
		nsecs = -(nsecs - 1e9)
	}
	return strings.TrimRight(fmt.Sprintf("%s%d.%09d", sign, secs, nsecs), "0")
}

// parsePAXRecord parses the input PAX record string into a key-value pair.
// If parsing is successful, it will slice off the currently read record and
// return the remainder as r.
func parsePAXRecord(s string) (k, v, r string, err error) {
	nStr, rest, ok := strings.Cut(s, " ")
	if !ok {
		return "", "", s, ErrHeader
	}

	n, perr := strconv.ParseInt(nStr, 10, 0)
	if perr != nil || n < 5 || n > int64(len(s)) {
		return "", "", s, ErrHeader
	}
	n -= int64(len(nStr) + 1)
	if n <= 0 {
		return "", "", s, ErrHeader
	}

	rec, nl, rem := rest[:n-1], rest[n-1:n], rest[n:]
	if nl != "\n" {
		return "", "", s, ErrHeader
	}

	k, v, ok = strings.Cut(rec, "=")
	if !ok {
		return "", "", s, ErrHeader
	}
	if !validPAXRecord(k, v) {
		return "", "", s, ErrHeader
	}
	return k, v, rem, nil
}

// formatPAXRecord formats a single PAX record, prefixing it with the
// appropriate length.
func formatPAXRecord(k, v string) (string, error) {
	if !validPAXRecord(k, v) {
		return "", ErrHeader
	}

	const padding = 3 // Extra padding for ' ', '=', and '\n'
	size := len(k) + len(v) + padding
	size += len(strconv.Itoa(size))
	record := strconv.Itoa(size) + " " + k + "=" + v + "\n"

	// Final adjustment if adding size field increased the record size.
	if len(record) != size {
		size = len(record)
		record = strconv.Itoa(size) + " " + k + "=" + v + "\n"
	}
	return record, nil
}

func validPAXRecord(k, v string) bool {
	if k == "" || strings.Contains(k, "=") {
		return false
	}
	switch k {
	case paxPath, paxLinkpath, paxUname, paxGname:
		return !strings.Contains(v, "\x00")
	default:
		return !strings.Contains(k, "\x00")
	}
}

// blockPadding computes the number of bytes needed to pad offset up to the
// nearest block edge where 0 <= n < blockSize.
func blockPadding(offset int64) (n int64) {
	return -offset & (blockSize - 1)
}

// Pad returns the zero bytes that follow a payload of the given size.
func Pad(size int64) []byte {
	return zeroBlock[:blockPadding(size)]
}

// Trailer returns the two zero blocks that end an archive.
func Trailer() []byte {
	return make([]byte, 2*blockSize)
}
