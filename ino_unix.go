//go:build unix

package main

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/elliotnunn/multiarc/internal/archive"
)

type inode struct{ dev, ino uint64 }

// fileID identifies the file behind i, to spot hard links. Files with a
// single link never need it.
func fileID(i fs.FileInfo) (inode, bool) {
	switch t := i.Sys().(type) {
	case *syscall.Stat_t:
		if t.Nlink < 2 || i.IsDir() {
			return inode{}, false
		}
		return inode{uint64(t.Dev), uint64(t.Ino)}, true
	default:
		return inode{}, false
	}
}

// statHeader copies ownership and device numbers.
func statHeader(h *archive.Header, i fs.FileInfo) {
	t, ok := i.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}
	h.Uid, h.Gid = int(t.Uid), int(t.Gid)
	if i.Mode()&fs.ModeDevice != 0 {
		h.Devmajor = int64(unix.Major(uint64(t.Rdev)))
		h.Devminor = int64(unix.Minor(uint64(t.Rdev)))
	}
}
