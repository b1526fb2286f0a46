//go:build windows

package blobsession

import "os"

// Windows has no portable inode equivalent exposed via os.FileInfo; the
// chunk registry's same-inode dedup check is a no-op on this platform.
func inodeOf(info os.FileInfo) uint64 {
	return 0
}
