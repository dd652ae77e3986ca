// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"

	"github.com/elliotnunn/multiarc/internal/checksum"
	"github.com/elliotnunn/multiarc/internal/cpio"
	"github.com/elliotnunn/multiarc/internal/iso9660"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/tar"
	"github.com/elliotnunn/multiarc/internal/zip"
	"github.com/elliotnunn/multiarc/internal/zipcrypto"
)

// sink is what each format offers the Writer.
type sink interface {
	create(h *Header) error
	io.Writer
	// closeEntry finishes the entry. h carries the payload size and,
	// for formats that have one, the check value of what was written.
	closeEntry(h *Header) error
	close() error
}

// Writer builds an archive one entry at a time.
type Writer struct {
	format Format
	log    *slog.Logger
	sink   sink

	state   State
	cur     Header
	written int64
	sum     *checksum.State // nil for formats without a payload check
	spool   *bytes.Buffer   // payload of an entry whose size was not declared
}

// NewWriter starts an archive of the given format on w. Nothing is
// written until the first entry, and an ISO 9660 image is written
// only by Close.
func NewWriter(w io.Writer, format Format, opts ...Option) (*Writer, error) {
	c := newConfig(opts)
	aw := &Writer{format: format, log: c.log}
	switch format {
	case Tar:
		aw.sink = &tarSink{tw: tar.NewWriter(w)}
	case Cpio:
		if !c.cpioVariant.Valid() {
			return nil, fmt.Errorf("%w: cpio variant %v", ErrFormatName, c.cpioVariant)
		}
		aw.sink = &cpioSink{cw: cpio.NewWriter(w, c.cpioVariant)}
		if c.cpioVariant == cpio.CRC {
			aw.sum = checksum.New(checksum.Sum32)
		}
	case LHA:
		method, err := lha.ParseMethod(c.lhaMethod)
		if err != nil {
			return nil, err
		}
		if c.lhaLevel < 0 || c.lhaLevel > 2 {
			return nil, fmt.Errorf("%w: %d", lha.ErrLevel, c.lhaLevel)
		}
		aw.sink = &lhaSink{lw: lha.NewWriter(w, method, c.lhaLevel)}
		aw.sum = checksum.New(checksum.CRC16)
	case Zip:
		if _, err := zip.Compressor(c.zipMethod, io.Discard); err != nil {
			return nil, err
		}
		aw.sink = newZipSink(w, c)
		aw.sum = checksum.New(checksum.CRC32)
	case ISO9660:
		aw.sink = &isoSink{
			w: w,
			b: &iso9660.Builder{
				VolumeID:  c.volumeID,
				Joliet:    c.joliet,
				RockRidge: c.rockRidge,
				Created:   c.created,
			},
			data: make(map[string][]byte),
		}
	default:
		return nil, fmt.Errorf("%w: %v", ErrFormatName, format)
	}
	return aw, nil
}

func (w *Writer) Format() Format { return w.format }
func (w *Writer) State() State   { return w.state }

// Header returns the entry being written, or the last one closed. After
// CloseEntry its Size and Checksum describe what was written.
func (w *Writer) Header() Header { return w.cur }

// Create starts a new entry, closing the open one first. For tar and
// cpio a regular file's Size must be declared up front; a negative
// Size holds the payload in memory until CloseEntry.
func (w *Writer) Create(h Header) error {
	switch w.state {
	case Closed:
		return ErrClosed
	case EntryOpen:
		if err := w.CloseEntry(); err != nil {
			return err
		}
	}
	h.Name = cleanName(h.Name)
	if !h.Mode.IsRegular() || h.HardLink {
		h.Size = 0
	}
	if h.Mode&fs.ModeSymlink != 0 && h.Linkname == "" {
		return fmt.Errorf("%w: symlink %q has no target", ErrNotSupported, h.Name)
	}

	w.cur = h
	w.written = 0
	w.spool = nil
	if w.sum != nil {
		w.sum.Reset()
	}
	if h.Size < 0 && (w.format == Tar || w.format == Cpio) {
		w.spool = new(bytes.Buffer)
	} else if err := w.sink.create(&w.cur); err != nil {
		return err
	}
	w.state = EntryOpen
	w.log.Debug("createEntry", "format", w.format, "name", h.Name, "mode", h.Mode, "size", h.Size)

	if w.format == Zip && h.IsSymlink() {
		// ZIP keeps the target as the payload
		if _, err := w.write([]byte(h.Linkname)); err != nil {
			return err
		}
	}
	return nil
}

// Write adds to the open entry's payload.
func (w *Writer) Write(p []byte) (int, error) {
	switch w.state {
	case Closed:
		return 0, ErrClosed
	case Ready:
		return 0, ErrState
	}
	if len(p) > 0 && (!w.cur.Mode.IsRegular() || w.cur.HardLink) {
		return 0, fmt.Errorf("%w: %q carries no payload", ErrState, w.cur.Name)
	}
	return w.write(p)
}

func (w *Writer) write(p []byte) (int, error) {
	if w.spool != nil {
		return w.spool.Write(p)
	}
	n, err := w.sink.Write(p)
	if w.sum != nil {
		w.sum.Write(p[:n])
	}
	w.written += int64(n)
	return n, err
}

// CloseEntry finishes the open entry, writing its check value and sizes.
func (w *Writer) CloseEntry() error {
	switch w.state {
	case Closed:
		return ErrClosed
	case Ready:
		return ErrState
	}
	w.state = Ready
	if w.spool != nil {
		spool := w.spool
		w.spool = nil
		w.cur.Size = int64(spool.Len())
		if err := w.sink.create(&w.cur); err != nil {
			return err
		}
		if _, err := w.write(spool.Bytes()); err != nil {
			return err
		}
	}
	if w.cur.Mode.IsRegular() && !w.cur.HardLink || w.format == Zip {
		w.cur.Size = w.written
	}
	if w.sum != nil {
		w.cur.Checksum, w.cur.HasChecksum = w.sum.Sum32(), true
	}
	if err := w.sink.closeEntry(&w.cur); err != nil {
		return err
	}
	w.log.Debug("closeEntry", "format", w.format, "name", w.cur.Name, "size", w.cur.Size, "checksum", w.cur.Checksum)
	return nil
}

// Close finishes the open entry, if any, then writes the archive's
// trailer. It does not close the underlying writer.
func (w *Writer) Close() error {
	switch w.state {
	case Closed:
		return ErrClosed
	case EntryOpen:
		if err := w.CloseEntry(); err != nil {
			return err
		}
	}
	w.state = Closed
	return w.sink.close()
}

// tar

type tarSink struct{ tw *tar.Writer }

func (s *tarSink) create(h *Header) error {
	if h.Mode&fs.ModeSocket != 0 {
		return fmt.Errorf("%w: socket %q in tar", ErrNotSupported, h.Name)
	}
	th := &tar.Header{
		Typeflag:   tar.TypeOf(h.Mode),
		Name:       h.Name,
		Linkname:   h.Linkname,
		Size:       h.Size,
		Mode:       tar.UnixMode(h.Mode),
		Uid:        h.Uid,
		Gid:        h.Gid,
		Uname:      h.Uname,
		Gname:      h.Gname,
		ModTime:    h.ModTime,
		AccessTime: h.AccessTime,
		ChangeTime: h.ChangeTime,
		Devmajor:   h.Devmajor,
		Devminor:   h.Devminor,
	}
	switch {
	case h.HardLink:
		th.Typeflag = tar.TypeLink
	case h.IsDir():
		th.Name += "/"
	case h.Mode&fs.ModeSymlink == 0:
		th.Linkname = ""
	}
	h.Sys = th
	return s.tw.WriteHeader(th)
}

func (s *tarSink) Write(p []byte) (int, error) { return s.tw.Write(p) }
func (s *tarSink) closeEntry(*Header) error    { return s.tw.Flush() }
func (s *tarSink) close() error                { return s.tw.Close() }

// cpio

type cpioSink struct{ cw *cpio.Writer }

func (s *cpioSink) create(h *Header) error {
	ch := &cpio.Header{
		Name:      h.Name,
		Mode:      cpio.UnixMode(h.Mode),
		Uid:       h.Uid,
		Gid:       h.Gid,
		ModTime:   h.ModTime,
		Size:      h.Size,
		RDevMajor: h.Devmajor,
		RDevMinor: h.Devminor,
	}
	if h.HardLink || h.IsSymlink() {
		ch.Linkname = h.Linkname
	}
	h.Sys = ch
	return s.cw.WriteHeader(ch)
}

func (s *cpioSink) Write(p []byte) (int, error) { return s.cw.Write(p) }
func (s *cpioSink) closeEntry(*Header) error    { return s.cw.Flush() }
func (s *cpioSink) close() error                { return s.cw.Close() }

// lha

type lhaSink struct{ lw *lha.Writer }

func (s *lhaSink) create(h *Header) error {
	if h.HardLink || h.Mode&(fs.ModeDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0 {
		return fmt.Errorf("%w: %q in lha", ErrNotSupported, h.Name)
	}
	lh := &lha.Header{
		Name:     h.Name,
		Comment:  h.Comment,
		ModTime:  h.ModTime,
		Accessed: h.AccessTime,
		Created:  h.CreateTime,
		Mode:     lha.UnixMode(h.Mode),
		Uid:      h.Uid,
		Gid:      h.Gid,
		Uname:    h.Uname,
		Gname:    h.Gname,
	}
	if h.IsSymlink() {
		lh.Linkname = h.Linkname
	}
	if h.Method.Kind == MethodLZH {
		lh.Method = h.Method.LZH
	}
	h.Sys = lh
	return s.lw.WriteHeader(lh)
}

func (s *lhaSink) Write(p []byte) (int, error) { return s.lw.Write(p) }
func (s *lhaSink) closeEntry(*Header) error    { return s.lw.Flush() }
func (s *lhaSink) close() error                { return s.lw.Close() }

// zip

// countWriter tracks the offset within the archive.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type zipSink struct {
	cw       *countWriter
	ws       io.WriteSeeker // nil unless local headers can be patched
	method   uint16
	password []byte

	files []*zip.FileHeader
	cur   *zip.FileHeader
	start int64
	enc   io.WriteCloser
}

func newZipSink(w io.Writer, c *config) *zipSink {
	s := &zipSink{cw: &countWriter{w: w}, method: c.zipMethod, password: c.password}
	// offsets are kept from the start of the archive, so patching
	// needs the archive to start where the sink is now
	if ws, ok := w.(io.WriteSeeker); ok {
		if here, err := ws.Seek(0, io.SeekCurrent); err == nil && here == 0 {
			s.ws = ws
		}
	}
	return s
}

func (s *zipSink) create(h *Header) error {
	if h.HardLink || h.Mode&(fs.ModeDevice|fs.ModeNamedPipe|fs.ModeSocket) != 0 {
		return fmt.Errorf("%w: %q in zip", ErrNotSupported, h.Name)
	}
	zh := &zip.FileHeader{
		Name:     h.Name,
		Comment:  h.Comment,
		Method:   s.method,
		Modified: h.ModTime,
		Accessed: h.AccessTime,
		Created:  h.CreateTime,
		Uid:      h.Uid,
		Gid:      h.Gid,
		Offset:   s.cw.n,
		Zip64:    h.Size >= math.MaxUint32,
	}
	if h.Method.Kind == MethodZIP {
		zh.Method = h.Method.ZIP
	}
	if h.IsDir() {
		zh.Name += "/"
		zh.Method = zip.Store
	}
	if h.IsSymlink() {
		zh.Method = zip.Store
	}
	zh.SetMode(h.Mode)
	switch {
	case s.password != nil && !h.IsDir():
		// the check byte cannot come from a CRC not yet known
		zh.Flags |= zip.FlagEncrypted | zip.FlagDataDescriptor
	case s.ws == nil:
		zh.Flags |= zip.FlagDataDescriptor
	}

	if _, err := zip.WriteLocalHeader(s.cw, zh); err != nil {
		return err
	}
	s.start = s.cw.n
	var out io.Writer = s.cw
	if zh.IsEncrypted() {
		ew, err := zipcrypto.NewWriter(s.cw, s.password, zh.CheckByte())
		if err != nil {
			return err
		}
		out = ew
	}
	enc, err := zip.Compressor(zh.Method, out)
	if err != nil {
		return err
	}
	s.cur, s.enc = zh, enc
	h.Sys = zh
	h.Method = ZIPMethod(zh.Method)
	return nil
}

func (s *zipSink) Write(p []byte) (int, error) { return s.enc.Write(p) }

func (s *zipSink) closeEntry(h *Header) error {
	zh := s.cur
	s.cur = nil
	if err := s.enc.Close(); err != nil {
		return err
	}
	zh.CRC32 = h.Checksum
	zh.UncompressedSize = uint64(h.Size)
	zh.CompressedSize = uint64(s.cw.n - s.start)
	h.PackedSize = int64(zh.CompressedSize)

	var err error
	if zh.HasDataDescriptor() {
		err = zip.WriteDataDescriptor(s.cw, zh)
	} else {
		err = zip.PatchLocalHeader(s.ws, zh)
	}
	if err != nil {
		return err
	}
	s.files = append(s.files, zh)
	return nil
}

func (s *zipSink) close() error {
	return zip.WriteCentralDirectory(s.cw, s.cw.n, s.files, "")
}

// iso9660

// isoSink holds every entry until close, when the image is laid out.
type isoSink struct {
	w    io.Writer
	b    *iso9660.Builder
	cur  *iso9660.Header
	buf  bytes.Buffer
	data map[string][]byte // payloads by name, for hard links
}

func (s *isoSink) create(h *Header) error {
	if h.Mode&fs.ModeSocket != 0 {
		return fmt.Errorf("%w: socket %q in iso9660", ErrNotSupported, h.Name)
	}
	ih := &iso9660.Header{
		Name:       h.Name,
		Size:       h.Size,
		Mode:       h.Mode,
		ModTime:    h.ModTime,
		AccessTime: h.AccessTime,
		ChangeTime: h.ChangeTime,
		CreateTime: h.CreateTime,
		Uid:        h.Uid,
		Gid:        h.Gid,
		Devmajor:   uint32(h.Devmajor),
		Devminor:   uint32(h.Devminor),
	}
	if h.IsSymlink() {
		ih.Linkname = h.Linkname
	}
	s.buf.Reset()
	if h.HardLink {
		// no links in the primary tree, so the payload is recorded twice
		b, ok := s.data[cleanName(h.Linkname)]
		if !ok {
			return fmt.Errorf("%w: hard link %q to unknown %q", ErrNotSupported, h.Name, h.Linkname)
		}
		s.buf.Write(b)
	}
	s.cur = ih
	h.Sys = ih
	return nil
}

func (s *isoSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *isoSink) closeEntry(*Header) error {
	ih := s.cur
	s.cur = nil
	b := bytes.Clone(s.buf.Bytes())
	if ih.Mode.IsRegular() {
		ih.Size = int64(len(b))
		s.data[ih.Name] = b
	}
	return s.b.Add(ih, bytes.NewReader(b))
}

func (s *isoSink) close() error {
	_, err := s.b.WriteTo(s.w)
	return err
}
