// Copyright Elliot Nunn. Portions copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zip

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/binstruct"
)

var (
	ErrLong     = fmt.Errorf("%w: zip: name, comment or extra longer than 65535 bytes", arcerr.ErrFormat)
	ErrTooLarge = fmt.Errorf("%w: zip: entry outgrew a local header written without Zip64 fields", arcerr.ErrFormat)
)

const (
	zipVersion20 = 20 // 2.0
	zipVersion45 = 45 // 4.5 (reads and writes zip64 archives)
)

// prepare fills in the version fields and the UTF-8 flag, returning the
// encoded name.
func (h *FileHeader) prepare() ([]byte, error) {
	name, flag := encodeName(h.Name)
	_, cflag := encodeName(h.Comment)
	h.Flags = h.Flags&^FlagUTF8 | flag | cflag
	if flag == 0 && cflag != 0 {
		// the flag covers both, so the name must be UTF-8 as well
		name = []byte(h.Name)
	}
	if len(name) > uint16max || len(h.Comment) > uint16max || len(h.Extra) > uint16max/2 {
		return nil, ErrLong
	}
	want := uint16(zipVersion20)
	if h.isZip64() {
		want = zipVersion45
	}
	h.ReaderVersion = max(h.ReaderVersion, want)
	if h.CreatorVersion&0xff == 0 {
		h.CreatorVersion |= zipVersion45
	}
	return name, nil
}

func (h *FileHeader) encodedComment() []byte {
	if h.Flags&FlagUTF8 != 0 {
		return []byte(h.Comment)
	}
	b, _ := encodeName(h.Comment)
	return b
}

// WriteLocalHeader writes the local header for h and returns its length.
// The caller records h.Offset before calling. Entries with a data
// descriptor carry zero CRC and sizes here, and the sizes go in a Zip64
// field when h.Zip64 is set or the sizes demand it; after the payload
// either WriteDataDescriptor or PatchLocalHeader supplies the real values.
func WriteLocalHeader(w io.Writer, h *FileHeader) (int64, error) {
	name, err := h.prepare()
	if err != nil {
		return 0, err
	}
	zip64 := h.isZip64()
	h.Zip64 = zip64

	date, tm := h.dosTimes()
	lh := localHeader{
		ReaderVersion: h.ReaderVersion,
		Flags:         h.Flags,
		Method:        h.Method,
		ModTime:       tm,
		ModDate:       date,
		NameLen:       uint16(len(name)),
	}
	copy(lh.Sig[:], localSig)

	var z64 []byte
	if zip64 {
		lh.CompressedSize, lh.UncompressedSize = uint32max, uint32max
		z64 = make([]byte, 16)
		if !h.HasDataDescriptor() {
			binary.LittleEndian.PutUint64(z64, h.UncompressedSize)
			binary.LittleEndian.PutUint64(z64[8:], h.CompressedSize)
		}
	} else if !h.HasDataDescriptor() {
		lh.CompressedSize = uint32(h.CompressedSize)
		lh.UncompressedSize = uint32(h.UncompressedSize)
	}
	if !h.HasDataDescriptor() {
		lh.CRC32 = h.CRC32
	}
	extra := buildExtra(h, true, z64)
	if len(extra) > uint16max {
		return 0, ErrLong
	}
	lh.ExtraLen = uint16(len(extra))

	buf := make([]byte, localLen, localLen+len(name)+len(extra))
	if err := binstruct.MarshalTo(buf, &lh); err != nil {
		return 0, err
	}
	buf = append(append(buf, name...), extra...)
	n, err := w.Write(buf)
	return int64(n), err
}

// PatchLocalHeader seeks back to the local header of h and writes the CRC
// and sizes that were not known when it was written, then returns to the
// position it found.
func PatchLocalHeader(ws io.WriteSeeker, h *FileHeader) error {
	if !h.Zip64 && h.isZip64() {
		return fmt.Errorf("%w: %s", ErrTooLarge, h.Name)
	}
	here, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	b := binary.LittleEndian.AppendUint32(nil, h.CRC32)
	if h.Zip64 {
		b = binary.LittleEndian.AppendUint32(b, uint32max)
		b = binary.LittleEndian.AppendUint32(b, uint32max)
	} else {
		b = binary.LittleEndian.AppendUint32(b, uint32(h.CompressedSize))
		b = binary.LittleEndian.AppendUint32(b, uint32(h.UncompressedSize))
	}
	if _, err := ws.Seek(h.Offset+14, io.SeekStart); err != nil {
		return err
	}
	if _, err := ws.Write(b); err != nil {
		return err
	}
	if h.Zip64 {
		name, _ := h.prepare()
		// the Zip64 field is always first, after its 4-byte tag and length
		if _, err := ws.Seek(h.Offset+localLen+int64(len(name))+4, io.SeekStart); err != nil {
			return err
		}
		b = binary.LittleEndian.AppendUint64(nil, h.UncompressedSize)
		b = binary.LittleEndian.AppendUint64(b, h.CompressedSize)
		if _, err := ws.Write(b); err != nil {
			return err
		}
	}
	_, err = ws.Seek(here, io.SeekStart)
	return err
}

// WriteDataDescriptor writes the record that follows a streamed payload,
// with 64-bit sizes if the local header promised Zip64.
func WriteDataDescriptor(w io.Writer, h *FileHeader) error {
	if !h.Zip64 && h.isZip64() {
		return fmt.Errorf("%w: %s", ErrTooLarge, h.Name)
	}
	b := make([]byte, 0, 24)
	b = append(b, descriptorSig...)
	b = binary.LittleEndian.AppendUint32(b, h.CRC32)
	if h.Zip64 {
		b = binary.LittleEndian.AppendUint64(b, h.CompressedSize)
		b = binary.LittleEndian.AppendUint64(b, h.UncompressedSize)
	} else {
		b = binary.LittleEndian.AppendUint32(b, uint32(h.CompressedSize))
		b = binary.LittleEndian.AppendUint32(b, uint32(h.UncompressedSize))
	}
	_, err := w.Write(b)
	return err
}

// WriteCentralDirectory writes the directory records for files, followed by
// the end record. offset is where the directory begins in the archive.
// The Zip64 end record and its locator are added when a count, size or
// offset does not fit the classic fields.
func WriteCentralDirectory(w io.Writer, offset int64, files []*FileHeader, comment string) error {
	if len(comment) > uint16max {
		return ErrLong
	}
	var size int64
	for _, h := range files {
		name, err := h.prepare()
		if err != nil {
			return err
		}
		date, tm := h.dosTimes()
		c := centralHeader{
			CreatorVersion:   h.CreatorVersion,
			ReaderVersion:    h.ReaderVersion,
			Flags:            h.Flags,
			Method:           h.Method,
			ModTime:          tm,
			ModDate:          date,
			CRC32:            h.CRC32,
			CompressedSize:   uint32(h.CompressedSize),
			UncompressedSize: uint32(h.UncompressedSize),
			NameLen:          uint16(len(name)),
			ExternalAttrs:    h.ExternalAttrs,
			Offset:           uint32(h.Offset),
		}
		copy(c.Sig[:], centralSig)

		var z64 []byte
		if h.isZip64() {
			c.CompressedSize, c.UncompressedSize = uint32max, uint32max
			z64 = binary.LittleEndian.AppendUint64(z64, h.UncompressedSize)
			z64 = binary.LittleEndian.AppendUint64(z64, h.CompressedSize)
		}
		if h.Offset >= uint32max {
			c.Offset = uint32max
			z64 = binary.LittleEndian.AppendUint64(z64, uint64(h.Offset))
		}
		extra := buildExtra(h, false, z64)
		cmt := h.encodedComment()
		if len(extra) > uint16max {
			return ErrLong
		}
		c.ExtraLen = uint16(len(extra))
		c.CommentLen = uint16(len(cmt))

		buf := make([]byte, centralLen, centralLen+len(name)+len(extra)+len(cmt))
		if err := binstruct.MarshalTo(buf, &c); err != nil {
			return err
		}
		buf = append(append(append(buf, name...), extra...), cmt...)
		if _, err := w.Write(buf); err != nil {
			return err
		}
		size += int64(len(buf))
	}

	end := endRecord{
		RecordsDisk: uint16(min(len(files), uint16max)),
		Records:     uint16(min(len(files), uint16max)),
		DirSize:     uint32(min(size, uint32max)),
		DirOffset:   uint32(min(offset, uint32max)),
		CommentLen:  uint16(len(comment)),
	}
	copy(end.Sig[:], eocdSig)

	if len(files) >= uint16max || size >= uint32max || offset >= uint32max {
		end64 := endRecord64{
			RecordSize:     eocd64Len - 12,
			CreatorVersion: zipVersion45,
			ReaderVersion:  zipVersion45,
			RecordsDisk:    uint64(len(files)),
			Records:        uint64(len(files)),
			DirSize:        uint64(size),
			DirOffset:      uint64(offset),
		}
		copy(end64.Sig[:], eocd64Sig)
		loc := locator64{Offset: uint64(offset + size), Disks: 1}
		copy(loc.Sig[:], locatorSig)

		buf := make([]byte, eocd64Len+locatorLen)
		if err := binstruct.MarshalTo(buf, &end64); err != nil {
			return err
		}
		if err := binstruct.MarshalTo(buf[eocd64Len:], &loc); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		end.RecordsDisk, end.Records = uint16max, uint16max
		end.DirSize, end.DirOffset = uint32max, uint32max
	}

	buf := make([]byte, eocdLen, eocdLen+len(comment))
	if err := binstruct.MarshalTo(buf, &end); err != nil {
		return err
	}
	_, err := w.Write(append(buf, comment...))
	return err
}
