// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	"encoding/binary"
	"time"
)

// Extra field IDs.
const (
	extraZip64       = 0x0001
	extraNTFS        = 0x000a
	extraUnix        = 0x000d
	extraTimestamp   = 0x5455
	extraUnixOld     = 0x5855
	extraUnicodePath = 0x7075
	extraUnixOwner   = 0x7875
)

// msDosTimeToTime converts an MS-DOS date and time into a time.Time.
// The resolution is 2s.
// See: https://learn.microsoft.com/en-us/windows/win32/api/winbase/nf-winbase-dosdatetimetofiletime
func msDosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0, // nanoseconds

		time.UTC,
	)
}

// timeToMsDosTime is the inverse, clamping to the years DOS can represent.
func timeToMsDosTime(t time.Time) (date, tm uint16) {
	if t.IsZero() {
		return 1<<5 | 1, 0 // 1980-01-01
	}
	t = t.UTC()
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	} else if t.Year() > 2107 {
		t = time.Date(2107, 12, 31, 23, 59, 58, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	tm = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, tm
}

const ticksPerSecond = 1e7 // Windows timestamp resolution

var ntfsEpoch = time.Date(1601, time.January, 1, 0, 0, 0, 0, time.UTC)

func fromFiletime(ts uint64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	secs := int64(ts / ticksPerSecond)
	nsecs := int64((1e9 / ticksPerSecond) * (ts % ticksPerSecond))
	return time.Unix(ntfsEpoch.Unix()+secs, nsecs)
}

func toFiletime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.Unix()-ntfsEpoch.Unix())*ticksPerSecond + uint64(t.Nanosecond())/(1e9/ticksPerSecond)
}

// extraInfo is what the timestamp and ownership extras can say about an entry.
type extraInfo struct {
	mtime, atime, ctime time.Time
	uid, gid            int
}

// infoFromExtraField decodes one extra field. The extended timestamp
// carries its access and creation times only in the local header.
func infoFromExtraField(kind int, fieldBuf []byte, local bool) extraInfo {
	info := extraInfo{uid: -1, gid: -1}
	switch kind {
	case extraNTFS:
		if len(fieldBuf) < 4 {
			break
		}

		// interesting nesting
		subfields := parseExtra(fieldBuf[4:])
		if times, ok := subfields[1]; ok && len(times) >= 24 {
			info.mtime = fromFiletime(binary.LittleEndian.Uint64(times))
			info.atime = fromFiletime(binary.LittleEndian.Uint64(times[8:]))
			info.ctime = fromFiletime(binary.LittleEndian.Uint64(times[16:]))
		}
	case extraUnix, extraUnixOld: // Unix Extra Field, Info-Zip UNIX
		if len(fieldBuf) < 8 {
			break
		}
		info.atime = time.Unix(int64(binary.LittleEndian.Uint32(fieldBuf)), 0)
		info.mtime = time.Unix(int64(binary.LittleEndian.Uint32(fieldBuf[4:])), 0)
		if len(fieldBuf) >= 12 {
			info.uid = int(binary.LittleEndian.Uint16(fieldBuf[8:]))
			info.gid = int(binary.LittleEndian.Uint16(fieldBuf[10:]))
		}
	case extraTimestamp:
		if len(fieldBuf) < 1 {
			break
		}
		flags, rest := fieldBuf[0], fieldBuf[1:]
		for bit, dst := range []*time.Time{&info.mtime, &info.atime, &info.ctime} {
			if flags&(1<<bit) == 0 || len(rest) < 4 {
				continue
			}
			*dst = time.Unix(int64(int32(binary.LittleEndian.Uint32(rest))), 0)
			rest = rest[4:]
			if !local {
				break // the central copy holds only the modification time
			}
		}
	case extraUnixOwner:
		// version 1, then length-prefixed little-endian uid and gid
		if len(fieldBuf) < 2 || fieldBuf[0] != 1 {
			break
		}
		rest := fieldBuf[1:]
		var ids [2]int
		for i := range ids {
			if len(rest) < 1 || len(rest) < 1+int(rest[0]) || rest[0] > 8 {
				return info
			}
			n := int(rest[0])
			var x uint64
			for j := n - 1; j >= 0; j-- {
				x = x<<8 | uint64(rest[1+j])
			}
			ids[i] = int(x)
			rest = rest[1+n:]
		}
		info.uid, info.gid = ids[0], ids[1]
	}
	return info
}

func parseExtra(x []byte) map[int][]byte {
	ret := make(map[int][]byte)
	for len(x) >= 4 {
		kind := int(binary.LittleEndian.Uint16(x))
		size := int(binary.LittleEndian.Uint16(x[2:]))
		if len(x) < 4+size {
			break
		}
		ret[kind] = x[4:][:size]
		x = x[4+size:]
	}
	return ret
}

// buildExtra writes the extras this package emits for h, in the local
// header or central directory flavour, after any Zip64 field.
func buildExtra(h *FileHeader, local bool, zip64 []byte) []byte {
	var b []byte
	put := func(kind int, data []byte) {
		b = binary.LittleEndian.AppendUint16(b, uint16(kind))
		b = binary.LittleEndian.AppendUint16(b, uint16(len(data)))
		b = append(b, data...)
	}
	if zip64 != nil {
		put(extraZip64, zip64)
	}
	if !h.Modified.IsZero() {
		flags := byte(1)
		ts := binary.LittleEndian.AppendUint32(nil, uint32(h.Modified.Unix()))
		if !h.Accessed.IsZero() {
			flags |= 2
			if local {
				ts = binary.LittleEndian.AppendUint32(ts, uint32(h.Accessed.Unix()))
			}
		}
		if !h.Created.IsZero() {
			flags |= 4
			if local {
				ts = binary.LittleEndian.AppendUint32(ts, uint32(h.Created.Unix()))
			}
		}
		put(extraTimestamp, append([]byte{flags}, ts...))
	}
	if !h.Accessed.IsZero() || !h.Created.IsZero() {
		nt := make([]byte, 4, 4+4+24)
		nt = binary.LittleEndian.AppendUint16(nt, 1)
		nt = binary.LittleEndian.AppendUint16(nt, 24)
		nt = binary.LittleEndian.AppendUint64(nt, toFiletime(h.Modified))
		nt = binary.LittleEndian.AppendUint64(nt, toFiletime(h.Accessed))
		nt = binary.LittleEndian.AppendUint64(nt, toFiletime(h.Created))
		put(extraNTFS, nt)
	}
	if h.Uid >= 0 && h.Gid >= 0 && (h.Uid != 0 || h.Gid != 0) {
		own := []byte{1, 4}
		own = binary.LittleEndian.AppendUint32(own, uint32(h.Uid))
		own = append(own, 4)
		own = binary.LittleEndian.AppendUint32(own, uint32(h.Gid))
		put(extraUnixOwner, own)
	}
	return append(b, h.Extra...)
}

// foreignExtra keeps the fields that FileHeader does not already model.
func foreignExtra(x []byte) []byte {
	var out []byte
	for len(x) >= 4 {
		kind := int(binary.LittleEndian.Uint16(x))
		size := int(binary.LittleEndian.Uint16(x[2:]))
		if len(x) < 4+size {
			break
		}
		switch kind {
		case extraZip64, extraNTFS, extraTimestamp, extraUnixOwner, extraUnicodePath:
		default:
			out = append(out, x[:4+size]...)
		}
		x = x[4+size:]
	}
	return out
}
