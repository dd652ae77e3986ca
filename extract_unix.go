//go:build unix

package main

import (
	"io/fs"

	"golang.org/x/sys/unix"

	"github.com/elliotnunn/multiarc/internal/archive"
)

func restoreOwner(p string, h *archive.Header) error {
	return unix.Lchown(p, int(h.Uid), int(h.Gid))
}

// restoreTimes leaves the target of a symlink alone.
func restoreTimes(p string, h *archive.Header) error {
	atime := h.AccessTime
	if atime.IsZero() {
		atime = h.ModTime
	}
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(h.ModTime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, p, ts, unix.AT_SYMLINK_NOFOLLOW)
}

func makeNode(p string, h *archive.Header) error {
	perm := uint32(h.Mode.Perm())
	switch {
	case h.Mode&fs.ModeNamedPipe != 0:
		return unix.Mkfifo(p, perm)
	case h.Mode&fs.ModeSocket != 0:
		return archive.ErrNotSupported
	case h.Mode&fs.ModeCharDevice != 0:
		return unix.Mknod(p, unix.S_IFCHR|perm, int(unix.Mkdev(uint32(h.Devmajor), uint32(h.Devminor))))
	case h.Mode&fs.ModeDevice != 0:
		return unix.Mknod(p, unix.S_IFBLK|perm, int(unix.Mkdev(uint32(h.Devmajor), uint32(h.Devminor))))
	}
	return archive.ErrNotSupported
}
