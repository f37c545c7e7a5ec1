//go:build unix

package tailer

import (
	"fmt"
	"os"
	"syscall"
)

// InodeIdentity resolves a file's identity from its inode number.
func InodeIdentity(path string, fi os.FileInfo) (uint64, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, fmt.Errorf("no inode information for %s", path)
	}
	return st.Ino, nil
}
