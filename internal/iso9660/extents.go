// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package iso9660

import (
	"io"

	"github.com/elliotnunn/multiarc/internal/sectionreader"
)

// extentReader joins the extents of a multi-extent file.
type extentReader struct {
	backing io.ReaderAt
	extents []Extent
}

func (r *extentReader) Size() (n int64) {
	for _, x := range r.extents {
		n += x.Size
	}
	return n
}

func (r *extentReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.EOF
	}

	extents := r.extents
	seek := int64(0)

	// Skip uninvolved extents
	for len(extents) > 0 && seek+extents[0].Size <= off {
		seek += extents[0].Size
		extents = extents[1:]
	}

	n := 0
	for n < len(p) && len(extents) > 0 {
		x := extents[0]
		within := off + int64(n) - seek
		want := min(int64(len(p)-n), x.Size-within)
		got, err := r.backing.ReadAt(p[n:n+int(want)], x.Offset+within)
		n += got
		if got < int(want) {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		seek += x.Size
		extents = extents[1:]
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Contents returns the data of the file h describes.
func (img *Image) Contents(h *Header) *io.SectionReader {
	switch len(h.Extents) {
	case 0:
		return io.NewSectionReader(eofReader{}, 0, 0)
	case 1:
		x := h.Extents[0]
		return sectionreader.Section(img.src, x.Offset, x.Size).Reader()
	}
	r := &extentReader{img.src, h.Extents}
	return io.NewSectionReader(r, 0, r.Size())
}

type eofReader struct{}

func (eofReader) ReadAt([]byte, int64) (int, error) { return 0, io.EOF }
