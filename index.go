// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/elliotnunn/multiarc/internal/catalog"
)

var indexCmd = &cobra.Command{
	Use:   "index ARCHIVE...",
	Short: "Record the listings of archives in the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE:  index,
}

var searchCmd = &cobra.Command{
	Use:   "search GLOB",
	Short: "Find catalogued entries whose names match a doublestar pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  search,
}

func init() {
	indexCmd.Flags().Bool("drop", false, "forget the archives instead of indexing them")
	indexCmd.Flags().String("format", "", "archive format, instead of sniffing")
	searchCmd.Flags().BoolP("long", "l", false, "show size, time and digest")
}

func openCatalog() (*catalog.Catalog, error) {
	if err := os.MkdirAll(cfg.CatalogDir, 0o755); err != nil {
		return nil, err
	}
	return catalog.Open(cfg.CatalogDir, &catalog.Options{Logger: slog.Default()})
}

func index(cmd *cobra.Command, args []string) error {
	drop, _ := cmd.Flags().GetBool("drop")
	forced, _ := cmd.Flags().GetString("format")

	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	for _, name := range args {
		abs, err := filepath.Abs(name)
		if err != nil {
			return err
		}
		if drop {
			n, err := cat.Drop(abs)
			if err != nil {
				return err
			}
			slog.Info("dropped", "path", abs, "versions", n)
			continue
		}

		fi, err := os.Stat(abs)
		if err != nil {
			return err
		}
		a := catalog.Archive{Path: abs, Size: fi.Size(), ModTime: fi.ModTime()}
		if _, err := cat.Lookup(a.Key()); err == nil {
			slog.Info("upToDate", "path", abs)
			continue
		}

		ar, err := openArchive(abs, forced, cfg.ArchiveOptions()...)
		if err != nil {
			return err
		}
		entries, err := catalog.Scan(cmd.Context(), ar.Reader)
		ar.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		a.Format = ar.format.String()
		if err := cat.Put(a, entries); err != nil {
			return err
		}
		slog.Info("indexed", "path", abs, "format", a.Format, "entries", len(entries))
	}
	return nil
}

func search(cmd *cobra.Command, args []string) error {
	long, _ := cmd.Flags().GetBool("long")
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	hits, err := cat.Match(args[0])
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', 0)
	defer tw.Flush()
	for _, e := range hits {
		if long {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.Archive, e.Name, e.Size, e.ModTime.Format(tfmt), e.Digest)
		} else {
			fmt.Fprintf(tw, "%s\t%s\n", e.Archive, e.Name)
		}
	}
	slog.Debug("search", "pattern", args[0], "hits", len(hits))
	return nil
}
