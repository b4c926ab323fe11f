//go:build unix

package orient

import "golang.org/x/sys/unix"

func diskFree(path string) string {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "unknown"
	}
	return formatBytes(st.Bavail*uint64(st.Bsize)) + " free"
}
