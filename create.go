// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/multiarc/internal/archive"
)

var createCmd = &cobra.Command{
	Use:   "create -f FORMAT OUT PATH...",
	Short: "Build an archive from files on disk",
	Long: `Build an archive from files on disk. OUT may be "-" for standard output,
in which case ZIP entries carry data descriptors.`,
	Args: cobra.MinimumNArgs(2),
	RunE: create,
}

func init() {
	createCmd.Flags().StringP("format", "f", "", "archive format (tar, cpio, zip, lha, iso9660)")
	createCmd.Flags().String("volume", "CDROM", "ISO 9660 volume identifier")
	createCmd.MarkFlagRequired("format")
}

func create(cmd *cobra.Command, args []string) (err error) {
	fname, _ := cmd.Flags().GetString("format")
	format, err := archive.ParseFormat(fname)
	if err != nil {
		return err
	}
	volume, _ := cmd.Flags().GetString("volume")

	var out io.Writer
	if args[0] == "-" {
		out = struct{ io.Writer }{cmd.OutOrStdout()} // hide any Seek method
	} else {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	opts := append(cfg.ArchiveOptions(), archive.WithLogger(slog.Default()), archive.WithVolumeID(volume))
	aw, err := archive.NewWriter(out, format, opts...)
	if err != nil {
		return err
	}
	c := &creator{aw: aw, links: make(map[inode]string)}
	for _, root := range args[1:] {
		if err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := cmd.Context().Err(); err != nil {
				return err
			}
			return c.add(p, d)
		}); err != nil {
			aw.Close()
			return err
		}
	}
	if err := aw.Close(); err != nil {
		return err
	}
	slog.Info("created", "path", args[0], "format", format, "entries", c.count)
	return nil
}

type creator struct {
	aw    *archive.Writer
	links map[inode]string // first name seen for each multiply-linked file
	count int
}

// archiveName drops any volume name and leading slashes.
func archiveName(p string) string {
	p = filepath.ToSlash(p[len(filepath.VolumeName(p)):])
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	if p == "" {
		return "."
	}
	return p
}

func (c *creator) add(p string, d fs.DirEntry) error {
	fi, err := d.Info()
	if err != nil {
		return err
	}
	name := archiveName(p)
	if name == "." || name == ".." {
		return nil
	}
	h := archive.Header{
		Name:    name,
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
	}
	statHeader(&h, fi)

	if id, ok := fileID(fi); ok {
		if first, seen := c.links[id]; seen {
			h.HardLink = true
			h.Linkname = first
			err := c.aw.Create(h)
			if errors.Is(err, archive.ErrNotSupported) {
				slog.Debug("hardLinkCopied", "name", name, "target", first)
			} else {
				c.count++
				return err
			}
			h.HardLink, h.Linkname = false, ""
		} else {
			c.links[id] = name
		}
	}

	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		h.Linkname, err = os.Readlink(p)
		if err != nil {
			return err
		}
	case fi.Mode().IsRegular():
		h.Size = fi.Size()
	}

	if err := c.aw.Create(h); err != nil {
		if errors.Is(err, archive.ErrNotSupported) {
			slog.Warn("skipEntry", "name", name, "mode", h.Mode, "format", c.aw.Format())
			return nil
		}
		return err
	}
	c.count++
	if !fi.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(c.aw, f)
	if err != nil {
		return err
	}
	if n != h.Size {
		return fmt.Errorf("%s: size changed while reading: %d bytes, expected %d", p, n, h.Size)
	}
	return c.aw.CloseEntry()
}
