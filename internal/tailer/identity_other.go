//go:build !unix

package tailer

import (
	"hash/fnv"
	"os"
)

// InodeIdentity falls back to a hash of the path on platforms without
// inodes. Rotation that recreates a file at the same path is not
// distinguishable here; truncation detection still applies.
func InodeIdentity(path string, fi os.FileInfo) (uint64, error) {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64(), nil
}
