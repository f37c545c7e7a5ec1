package checkpoint

import "context"

// Entry is one durable position record: a file identity, the confirmed
// byte offset, and the path the file had at save time. All three fields
// are required in persisted form.
type Entry struct {
	Inode uint64 `json:"inode"`
	Pos   int64  `json:"pos"`
	File  string `json:"file"`
}

// Store persists the position table across restarts.
// Implementations: position file (primary), BoltDB (alternative).
type Store interface {
	// Load returns the persisted entries. A store that has never been
	// written returns (nil, nil): no prior state is a normal first run.
	Load(ctx context.Context) ([]Entry, error)

	// Save replaces the persisted table with entries. The replacement is
	// atomic with respect to a concurrent crash: a partial write never
	// corrupts the last good state.
	Save(ctx context.Context, entries []Entry) error

	// Close releases the store.
	Close() error
}
