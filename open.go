// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/elliotnunn/multiarc/internal/archive"
	"github.com/elliotnunn/multiarc/internal/probe"
)

// opened is an archive file ready for reading.
type opened struct {
	*archive.Reader
	name   string
	format archive.Format
	comp   probe.Compression
	f      *os.File
}

func (o *opened) Close() error {
	return errors.Join(o.Reader.Close(), o.f.Close())
}

// openArchive opens an archive file, peeling any stream compression and
// sniffing the format unless forced is set. A compressed archive is
// decompressed into memory, because ZIP and ISO 9660 need random access.
func openArchive(name string, forced string, opts ...archive.Option) (o *opened, err error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			f.Close()
			err = fmt.Errorf("%s: %w", name, err)
		}
	}()

	src, err := archive.FromFile(f)
	if err != nil {
		return nil, err
	}
	rc, comp, err := probe.Unwrap(io.NewSectionReader(src, 0, src.Size()))
	if err != nil {
		return nil, err
	}
	if comp != probe.None {
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		slog.Debug("unwrapped", "path", name, "compression", comp, "size", len(b))
		src = archive.FromBytes(b)
	}

	var format archive.Format
	if forced != "" {
		format, err = archive.ParseFormat(forced)
	} else {
		format, err = probe.Detect(src, src.Size())
		if errors.Is(err, probe.ErrUnknown) {
			if byName, ok := probe.ByName(probe.InnerName(name, comp)); ok {
				slog.Warn("formatByName", "path", name, "format", byName)
				format, err = byName, nil
			}
		}
	}
	if err != nil {
		return nil, err
	}

	r, err := archive.NewReader(src, format, append(opts, archive.WithLogger(slog.Default()))...)
	if err != nil {
		return nil, err
	}
	slog.Debug("openArchive", "path", name, "format", format, "compression", comp)
	return &opened{Reader: r, name: name, format: format, comp: comp, f: f}, nil
}
