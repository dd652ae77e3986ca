//go:build !unix

package main

import (
	"os"

	"github.com/elliotnunn/multiarc/internal/archive"
)

func restoreOwner(string, *archive.Header) error { return nil }

func restoreTimes(p string, h *archive.Header) error {
	if h.IsSymlink() {
		return nil
	}
	return os.Chtimes(p, h.AccessTime, h.ModTime)
}

func makeNode(string, *archive.Header) error { return archive.ErrNotSupported }
