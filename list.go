// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"io"
	"io/fs"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/elliotnunn/multiarc/internal/archive"
)

const tfmt = "2006-01-02T15:04:05"

var listCmd = &cobra.Command{
	Use:   "list ARCHIVE...",
	Short: "List the entries of archives",
	Args:  cobra.MinimumNArgs(1),
	RunE:  list,
}

func init() {
	listCmd.Flags().String("format", "", "archive format, instead of sniffing (tar, cpio, zip, lha, iso9660)")
	listCmd.Flags().StringSlice("glob", nil, "only entries whose names match a doublestar pattern")
	listCmd.Flags().BoolP("long", "l", false, "show mode, owner, size, time and method")
	extractCmd.Flags().String("format", "", "archive format, instead of sniffing")
	extractCmd.Flags().StringSlice("glob", nil, "only entries whose names match a doublestar pattern")
}

// globFilter reads the --glob flag into a predicate.
func globFilter(cmd *cobra.Command) (func(string) bool, error) {
	globs, _ := cmd.Flags().GetStringSlice("glob")
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("--glob %q: %w", g, doublestar.ErrBadPattern)
		}
	}
	return func(name string) bool {
		if len(globs) == 0 {
			return true
		}
		for _, g := range globs {
			if doublestar.MatchUnvalidated(g, name) {
				return true
			}
		}
		return false
	}, nil
}

func list(cmd *cobra.Command, args []string) error {
	match, err := globFilter(cmd)
	if err != nil {
		return err
	}
	forced, _ := cmd.Flags().GetString("format")
	long, _ := cmd.Flags().GetBool("long")

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
	defer tw.Flush()
	for _, name := range args {
		if len(args) > 1 {
			tw.Flush()
			fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", name)
		}
		if err := listOne(cmd, tw, name, forced, match, long); err != nil {
			return err
		}
	}
	return nil
}

func listOne(cmd *cobra.Command, w io.Writer, name, forced string, match func(string) bool, long bool) error {
	ar, err := openArchive(name, forced, cfg.ArchiveOptions()...)
	if err != nil {
		return err
	}
	defer ar.Close()

	for {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		ok, err := ar.Next()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if !ok {
			return nil
		}
		h := ar.Header()
		if !match(h.Name) {
			continue
		}
		if long {
			fmt.Fprintf(w, "%v\t%s\t%d\t%s\t%s\t%s\n",
				h.Mode, owner(&h), h.Size, h.ModTime.Format(tfmt), h.Method, displayName(&h))
		} else {
			fmt.Fprintln(w, displayName(&h))
		}
	}
}

func owner(h *archive.Header) string {
	u, g := h.Uname, h.Gname
	if u == "" {
		u = fmt.Sprint(h.Uid)
	}
	if g == "" {
		g = fmt.Sprint(h.Gid)
	}
	return u + "/" + g
}

func displayName(h *archive.Header) string {
	switch {
	case h.IsDir():
		return h.Name + "/"
	case h.IsSymlink():
		return h.Name + " -> " + h.Linkname
	case h.HardLink:
		return h.Name + " link to " + h.Linkname
	case h.Mode&(fs.ModeDevice|fs.ModeCharDevice) != 0:
		return fmt.Sprintf("%s (%d,%d)", h.Name, h.Devmajor, h.Devminor)
	}
	return h.Name
}
