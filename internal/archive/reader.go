// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package archive

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/elliotnunn/multiarc/internal/arcerr"
	"github.com/elliotnunn/multiarc/internal/cpio"
	"github.com/elliotnunn/multiarc/internal/iso9660"
	"github.com/elliotnunn/multiarc/internal/lha"
	"github.com/elliotnunn/multiarc/internal/tar"
	"github.com/elliotnunn/multiarc/internal/zip"
)

// State is where an engine is in its life.
type State uint8

const (
	Ready     State = iota // no entry open
	EntryOpen              // an entry's payload is being read or written
	Closed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case EntryOpen:
		return "entryOpen"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// walker is what each format offers the Reader.
type walker interface {
	// next returns the next header and its decoded payload,
	// or io.EOF after the last entry.
	next() (*Header, io.Reader, error)
	close() error
}

// Reader reads the entries of one archive in order.
type Reader struct {
	format Format
	log    *slog.Logger
	walk   walker

	state    State
	end      bool // the last entry has gone by
	released bool // Close has been called
	count    int

	hdr    Header
	data   io.Reader
	remain int64
	probed bool
}

// NewReader prepares to read an archive of the given format from src.
// ZIP and ISO 9660 need src to be an io.ReaderAt with a Size method,
// or an io.ReadSeeker; see FromBytes, FromFile and FromReadSeeker.
func NewReader(src io.Reader, format Format, opts ...Option) (*Reader, error) {
	c := newConfig(opts)
	r := &Reader{format: format, log: c.log}

	var err error
	switch format {
	case Tar:
		r.walk = &tarWalker{tar.NewReader(src)}
	case Cpio:
		r.walk = &cpioWalker{cpio.NewReader(src)}
	case LHA:
		r.walk = &lhaWalker{lr: lha.NewReader(src), log: c.log}
	case Zip:
		r.walk, err = newZipWalker(src, c)
	case ISO9660:
		r.walk, err = newISOWalker(src, c)
	default:
		err = fmt.Errorf("%w: %v", ErrFormatName, format)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) Format() Format { return r.format }
func (r *Reader) State() State   { return r.state }

// Next moves to the next entry, skipping what is left of the current
// one. It reports false at the end of the archive, and keeps doing so
// if called again.
//
// Reaching the end moves the Reader to Closed, but Close must still be
// called to release it.
func (r *Reader) Next() (bool, error) {
	if r.released {
		return false, ErrClosed
	}
	if r.end {
		return false, nil
	}
	r.dropEntry()
	h, data, err := r.walk.next()
	if err == io.EOF {
		r.end = true
		r.state = Closed
		r.log.Debug("archiveEnd", "format", r.format, "entries", r.count)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.hdr = *h
	r.data = data
	r.remain = h.Size
	r.probed = h.Size > 0
	r.state = EntryOpen
	r.count++
	r.log.Debug("nextEntry", "format", r.format, "name", h.Name, "size", h.Size, "method", h.Method)
	return true, nil
}

func (r *Reader) dropEntry() {
	if c, ok := r.data.(io.Closer); ok {
		c.Close()
	}
	r.data, r.remain = nil, 0
	r.state = Ready
}

// Header returns a copy of the current entry's header.
// Before the first successful Next it is the zero Header.
func (r *Reader) Header() Header {
	h := r.hdr
	h.Extra = slices.Clone(h.Extra)
	return h
}

// Read reads the current entry's payload, never past its declared size.
// The read that completes the payload fails if its check value is wrong.
func (r *Reader) Read(p []byte) (int, error) {
	switch r.state {
	case Closed:
		return 0, ErrClosed
	case Ready:
		return 0, ErrState
	}
	if r.remain <= 0 {
		if !r.probed {
			// an empty payload can still carry a bad check value
			r.probed = true
			if _, err := r.data.Read(nil); err != nil && err != io.EOF {
				return 0, err
			}
		}
		return 0, io.EOF
	}
	if int64(len(p)) > r.remain {
		p = p[:r.remain]
	}
	n, err := r.data.Read(p)
	r.remain -= int64(n)
	if err == io.EOF && r.remain > 0 {
		err = arcerr.Truncated(io.ErrUnexpectedEOF)
	}
	return n, err
}

// Close releases the archive. It does not close src.
func (r *Reader) Close() error {
	if r.released {
		return ErrClosed
	}
	r.released = true
	if !r.end {
		r.dropEntry()
	}
	r.state = Closed
	return r.walk.close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// tar

type tarWalker struct{ tr *tar.Reader }

func (w *tarWalker) next() (*Header, io.Reader, error) {
	th, err := w.tr.Next()
	if err != nil {
		return nil, nil, err
	}
	return fromTar(th), w.tr, nil
}

func (w *tarWalker) close() error { return nil }

func fromTar(th *tar.Header) *Header {
	size := th.PayloadSize()
	return &Header{
		Name:        cleanName(th.Name),
		Linkname:    th.Linkname,
		HardLink:    th.Typeflag == tar.TypeLink,
		Size:        size,
		PackedSize:  size,
		Mode:        tar.ModeOf(th.Mode, th.Typeflag),
		ModTime:     th.ModTime,
		AccessTime:  th.AccessTime,
		ChangeTime:  th.ChangeTime,
		Uid:         th.Uid,
		Gid:         th.Gid,
		Uname:       th.Uname,
		Gname:       th.Gname,
		Devmajor:    th.Devmajor,
		Devminor:    th.Devminor,
		Checksum:    uint32(th.Checksum),
		HasChecksum: true,
		Sys:         th,
	}
}

// cpio

type cpioWalker struct{ cr *cpio.Reader }

func (w *cpioWalker) next() (*Header, io.Reader, error) {
	ch, err := w.cr.Next()
	if err != nil {
		return nil, nil, err
	}
	return fromCpio(ch), w.cr, nil
}

func (w *cpioWalker) close() error { return nil }

func fromCpio(ch *cpio.Header) *Header {
	size := ch.Size
	if ch.IsSymlink() || ch.IsHardLink() {
		size = 0
	}
	return &Header{
		Name:        cleanName(ch.Name),
		Linkname:    ch.Linkname,
		HardLink:    ch.IsHardLink(),
		Size:        size,
		PackedSize:  size,
		Mode:        ch.FileMode(),
		ModTime:     ch.ModTime,
		Uid:         ch.Uid,
		Gid:         ch.Gid,
		Devmajor:    ch.RDevMajor,
		Devminor:    ch.RDevMinor,
		Checksum:    ch.Checksum,
		HasChecksum: ch.Variant == cpio.CRC,
		Sys:         ch,
	}
}

// lha

type lhaWalker struct {
	lr  *lha.Reader
	log *slog.Logger
}

func (w *lhaWalker) next() (*Header, io.Reader, error) {
	lh, err := w.lr.Next()
	if err != nil {
		return nil, nil, err
	}
	for _, kind := range lh.Unknown {
		w.log.Warn("unknownExtension", "format", "lha", "name", lh.Name, "type", fmt.Sprintf("%#02x", kind))
	}
	return fromLHA(lh), w.lr, nil
}

func (w *lhaWalker) close() error { return nil }

func fromLHA(lh *lha.Header) *Header {
	h := &Header{
		Name:        cleanName(lh.Name),
		Linkname:    lh.Linkname,
		Size:        lh.Size,
		PackedSize:  lh.PackedSize,
		Mode:        lh.FileMode(),
		ModTime:     lh.ModTime,
		AccessTime:  lh.Accessed,
		CreateTime:  lh.Created,
		Uid:         lh.Uid,
		Gid:         lh.Gid,
		Uname:       lh.Uname,
		Gname:       lh.Gname,
		Checksum:    uint32(lh.CRC),
		HasChecksum: lh.HasCRC,
		Method:      LZHMethod(lh.Method),
		Comment:     lh.Comment,
		Sys:         lh,
	}
	if lh.IsDir() || lh.IsSymlink() {
		h.Size = 0
	}
	return h
}

// zip

const maxLinkSize = 1 << 16

type zipWalker struct {
	r        io.ReaderAt
	files    []*zip.FileHeader
	i        int
	password []byte
}

func newZipWalker(src io.Reader, c *config) (*zipWalker, error) {
	ra, size, err := randomAccess(src)
	if err != nil {
		return nil, err
	}
	files, err := zip.ReadDirectory(ra, size)
	if err != nil {
		return nil, err
	}
	return &zipWalker{r: ra, files: files, password: c.password}, nil
}

func (w *zipWalker) next() (*Header, io.Reader, error) {
	if w.i >= len(w.files) {
		return nil, nil, io.EOF
	}
	zh := w.files[w.i]
	w.i++
	h := fromZip(zh)
	open := func() (io.ReadCloser, error) { return zh.Reader(w.r, w.password) }

	if h.IsSymlink() {
		rc, err := open()
		if err != nil {
			return nil, nil, err
		}
		defer rc.Close()
		target, err := io.ReadAll(io.LimitReader(rc, maxLinkSize))
		if err != nil {
			return nil, nil, err
		}
		h.Linkname, h.Size = string(target), 0
		return h, eofReader{}, nil
	}
	return h, &lazyReader{open: open}, nil
}

func (w *zipWalker) close() error { return nil }

func fromZip(zh *zip.FileHeader) *Header {
	h := &Header{
		Name:        cleanName(zh.Name),
		Size:        int64(zh.UncompressedSize),
		PackedSize:  int64(zh.CompressedSize),
		Mode:        zh.Mode(),
		ModTime:     zh.Modified,
		AccessTime:  zh.Accessed,
		CreateTime:  zh.Created,
		Uid:         max(zh.Uid, 0),
		Gid:         max(zh.Gid, 0),
		Checksum:    zh.CRC32,
		HasChecksum: true,
		Method:      ZIPMethod(zh.Method),
		Comment:     zh.Comment,
		Extra:       zh.Extra,
		Sys:         zh,
	}
	if h.IsDir() {
		h.Size = 0
	}
	return h
}

// lazyReader opens a payload on first read, so that entries which
// cannot be decoded, such as encrypted ones without a password, can
// still be listed and skipped.
type lazyReader struct {
	open func() (io.ReadCloser, error)
	rc   io.ReadCloser
	err  error
}

func (l *lazyReader) Read(p []byte) (int, error) {
	if l.rc == nil && l.err == nil {
		l.rc, l.err = l.open()
	}
	if l.err != nil {
		return 0, l.err
	}
	return l.rc.Read(p)
}

func (l *lazyReader) Close() error {
	if l.rc == nil {
		return nil
	}
	return l.rc.Close()
}

// iso9660

type isoWalker struct {
	img  *iso9660.Image
	hdrs []*iso9660.Header
	i    int
}

func newISOWalker(src io.Reader, c *config) (*isoWalker, error) {
	ra, size, err := randomAccess(src)
	if err != nil {
		return nil, err
	}
	img, err := iso9660.Open(ra, size, &iso9660.Options{
		Policy:      c.policy,
		Logger:      c.log,
		Cache:       c.cache,
		NoRockRidge: !c.rockRidge,
		NoJoliet:    !c.joliet,
	})
	if err != nil {
		return nil, err
	}
	hdrs, err := img.Headers()
	if err != nil {
		return nil, err
	}
	return &isoWalker{img: img, hdrs: hdrs}, nil
}

func (w *isoWalker) next() (*Header, io.Reader, error) {
	if w.i >= len(w.hdrs) {
		return nil, nil, io.EOF
	}
	ih := w.hdrs[w.i]
	w.i++
	return fromISO(ih), w.img.Contents(ih), nil
}

func (w *isoWalker) close() error { return nil }

func fromISO(ih *iso9660.Header) *Header {
	size := ih.Size
	if !ih.Mode.IsRegular() {
		size = 0
	}
	return &Header{
		Name:       ih.Name,
		Linkname:   ih.Linkname,
		Size:       size,
		PackedSize: size,
		Mode:       ih.Mode,
		ModTime:    ih.ModTime,
		AccessTime: ih.AccessTime,
		ChangeTime: ih.ChangeTime,
		CreateTime: ih.CreateTime,
		Uid:        ih.Uid,
		Gid:        ih.Gid,
		Devmajor:   int64(ih.Devmajor),
		Devminor:   int64(ih.Devminor),
		Extra:      ih.SystemUse,
		Sys:        ih,
	}
}

// Volume returns the ISO 9660 volume identifier and the tree in use,
// or false for other formats.
func (r *Reader) Volume() (id string, tree iso9660.Tree, ok bool) {
	w, ok := r.walk.(*isoWalker)
	if !ok {
		return "", 0, false
	}
	return w.img.VolumeID, w.img.Tree(), true
}
