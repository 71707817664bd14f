//go:build linux || darwin

package sysinfo

import "golang.org/x/sys/unix"

func rootPath() string { return "/" }

// diskUsage returns the size and the space available to unprivileged users
// of the filesystem holding path.
func diskUsage(path string) (total, available uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
