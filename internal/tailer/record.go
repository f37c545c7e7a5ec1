package tailer

import "os"

// Record is one framed unit handed downstream: the payload bytes plus the
// headers attached on its way out (group headers, optional file name and
// byte offset, anything the annotator adds).
type Record struct {
	Body    []byte
	Headers map[string]string
}

// HeaderTable is the read-only two-level lookup of static headers:
// group name -> header key -> header value. It is supplied by the host
// and merged onto every record produced for a file of that group.
type HeaderTable map[string]map[string]string

// Matcher supplies the current set of files belonging to one named group.
// The engine consumes matchers; the matching itself lives with the host.
type Matcher interface {
	// Group returns the logical group name, used to look up headers and
	// the framing strategy.
	Group() string

	// ParentDir returns the directory the group's files live under; file
	// name headers are derived relative to it.
	ParentDir() string

	// MatchingFiles returns the files currently belonging to the group.
	MatchingFiles() ([]string, error)
}

// Annotator may attach routing headers to a record based on its relative
// path. Called once per record when file name annotation is enabled.
type Annotator interface {
	Annotate(rec *Record, relPath, fileNameHeader string)
}

// IdentityFunc resolves a file's stable identity, the key that survives
// renames. The default resolves the inode; tests and platforms without
// inodes inject their own.
type IdentityFunc func(path string, fi os.FileInfo) (uint64, error)
