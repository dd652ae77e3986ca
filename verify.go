// Copyright (c) Elliot Nunn
// Licensed under the MIT license

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elliotnunn/multiarc/internal/arcerr"
)

var verifyCmd = &cobra.Command{
	Use:   "verify ARCHIVE...",
	Short: "Read every entry and check its integrity",
	Args:  cobra.MinimumNArgs(1),
	RunE:  verify,
}

func init() {
	verifyCmd.Flags().String("format", "", "archive format, instead of sniffing")
}

type verifyResult struct {
	entries int
	bytes   int64
}

func verify(cmd *cobra.Command, args []string) error {
	forced, _ := cmd.Flags().GetString("format")

	var (
		mu     sync.Mutex
		failed int
	)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(cfg.Jobs)
	for _, name := range args {
		g.Go(func() error {
			res, err := verifyOne(ctx, name, forced)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				slog.Error("verifyFailed", "path", name, "kind", arcerr.Name(err), "error", err)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			slog.Info("verified", "path", name, "entries", res.entries, "bytes", res.bytes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed verification", failed, len(args))
	}
	return nil
}

// verifyOne drains every payload, which makes each format check its sums.
func verifyOne(ctx context.Context, name, forced string) (verifyResult, error) {
	var res verifyResult
	ar, err := openArchive(name, forced, cfg.ArchiveOptions()...)
	if err != nil {
		return res, err
	}
	defer ar.Close()
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := ar.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		h := ar.Header()
		n, err := io.Copy(io.Discard, ar)
		res.bytes += n
		if err != nil {
			return res, fmt.Errorf("%s: %w", h.Name, err)
		}
		res.entries++
	}
}
