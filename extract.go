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
	"slices"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/multiarc/internal/archive"
)

var extractCmd = &cobra.Command{
	Use:   "extract ARCHIVE -C DIR",
	Short: "Extract the entries of an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  extract,
}

var errUnsafePath = errors.New("entry name leaves the destination")

func init() {
	extractCmd.Flags().StringP("directory", "C", ".", "destination directory")
	extractCmd.Flags().Bool("no-owner", false, "do not restore ownership")
}

func extract(cmd *cobra.Command, args []string) error {
	match, err := globFilter(cmd)
	if err != nil {
		return err
	}
	forced, _ := cmd.Flags().GetString("format")
	dest, _ := cmd.Flags().GetString("directory")
	noOwner, _ := cmd.Flags().GetBool("no-owner")

	ar, err := openArchive(args[0], forced, cfg.ArchiveOptions()...)
	if err != nil {
		return err
	}
	defer ar.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	x := &extractor{dest: dest, owner: !noOwner}

	for {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		ok, err := ar.Next()
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if !ok {
			break
		}
		h := ar.Header()
		if !match(h.Name) {
			continue
		}
		if err := x.entry(&h, ar); err != nil {
			return fmt.Errorf("%s: %s: %w", args[0], h.Name, err)
		}
	}
	return x.finish()
}

type extractor struct {
	dest  string
	owner bool
	dirs  []archive.Header // metadata applied last, deepest first
	count int
}

func (x *extractor) path(name string) (string, error) {
	if name == "." {
		return x.dest, nil
	}
	if !filepath.IsLocal(filepath.FromSlash(name)) {
		return "", errUnsafePath
	}
	return filepath.Join(x.dest, filepath.FromSlash(name)), nil
}

func (x *extractor) entry(h *archive.Header, r io.Reader) error {
	p, err := x.path(h.Name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	slog.Debug("extractEntry", "name", h.Name, "mode", h.Mode, "size", h.Size)

	switch {
	case h.IsDir():
		if err := os.Mkdir(p, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		x.dirs = append(x.dirs, *h)
		x.count++
		return nil
	case h.HardLink:
		target, err := x.path(h.Linkname)
		if err != nil {
			return err
		}
		os.Remove(p)
		if err := os.Link(target, p); err != nil {
			return err
		}
		x.count++
		return nil // the target already carries the metadata
	case h.IsSymlink():
		os.Remove(p)
		if err := os.Symlink(h.Linkname, p); err != nil {
			return err
		}
	case h.Mode.IsRegular():
		if err := writeFile(p, r); err != nil {
			return err
		}
	default:
		os.Remove(p)
		if err := makeNode(p, h); err != nil {
			slog.Warn("skipSpecial", "name", h.Name, "mode", h.Mode, "error", err)
			return nil
		}
	}
	x.count++
	return x.metadata(p, h)
}

func writeFile(p string, r io.Reader) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, r)
	return errors.Join(err, f.Close())
}

func (x *extractor) metadata(p string, h *archive.Header) error {
	if x.owner {
		if err := restoreOwner(p, h); err != nil {
			slog.Debug("chownFailed", "path", p, "error", err)
		}
	}
	if !h.IsSymlink() {
		if err := os.Chmod(p, h.Mode.Perm()|h.Mode&(fs.ModeSetuid|fs.ModeSetgid|fs.ModeSticky)); err != nil {
			return err
		}
	}
	return restoreTimes(p, h)
}

// finish sets directory metadata once nothing more will be written inside.
func (x *extractor) finish() error {
	slices.SortStableFunc(x.dirs, func(a, b archive.Header) int {
		return len(b.Name) - len(a.Name)
	})
	for i := range x.dirs {
		p, _ := x.path(x.dirs[i].Name)
		if err := x.metadata(p, &x.dirs[i]); err != nil {
			return err
		}
	}
	slog.Info("extracted", "entries", x.count, "dest", x.dest)
	return nil
}
