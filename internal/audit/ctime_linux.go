//go:build linux

package audit

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// createdAt prefers the birth time reported by statx and falls back to the
// modification time, which for a write-once file is its creation time.
func createdAt(path string) (time.Time, error) {
	var stx unix.Statx_t
	err := unix.Statx(unix.AT_FDCWD, path, unix.AT_SYMLINK_NOFOLLOW, unix.STATX_BTIME|unix.STATX_MTIME, &stx)
	if err == nil {
		if stx.Mask&unix.STATX_BTIME != 0 {
			return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), nil
		}
		return time.Unix(stx.Mtime.Sec, int64(stx.Mtime.Nsec)), nil
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return time.Time{}, statErr
	}
	return info.ModTime(), nil
}
