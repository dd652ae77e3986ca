// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package catalog

import (
	"context"
	_ "crypto/sha256"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/elliotnunn/multiarc/internal/archive"
)

// Scan reads every entry of r, digesting each regular file's payload.
// It stops early if ctx is cancelled.
func Scan(ctx context.Context, r *archive.Reader) ([]Entry, error) {
	var list []Entry
	for {
		if err := ctx.Err(); err != nil {
			return list, err
		}
		ok, err := r.Next()
		if err != nil {
			return list, err
		}
		if !ok {
			return list, nil
		}
		h := r.Header()
		e := Entry{
			Seq:      uint32(len(list)),
			Name:     h.Name,
			Linkname: h.Linkname,
			Size:     h.Size,
			Mode:     h.Mode,
			ModTime:  h.ModTime,
		}
		if h.Method.Kind != archive.MethodNone {
			e.Method = h.Method.String()
		}
		if h.Mode.IsRegular() && !h.HardLink {
			e.Digest, err = digest.SHA256.FromReader(r)
			if err != nil {
				return list, fmt.Errorf("%s: %w", h.Name, err)
			}
		}
		list = append(list, e)
	}
}
