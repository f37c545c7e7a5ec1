package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "positions.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	want := []Entry{
		{Inode: 100, Pos: 42, File: "/var/log/a.log"},
		{Inode: 200, Pos: 0, File: "/var/log/b.log"},
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load() = %v, want %v", got, want)
	}
	// Keys iterate in big-endian inode order, matching the saved order.
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("entry %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBoltStoreEmptyLoad(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "positions.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer store.Close()

	entries, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Load() = %v, want empty", entries)
	}
}

func TestBoltStoreSaveReplacesPreviousState(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "positions.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Save(ctx, []Entry{{Inode: 1, Pos: 2, File: "/a"}, {Inode: 2, Pos: 3, File: "/b"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, []Entry{{Inode: 2, Pos: 9, File: "/b"}}); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0] != (Entry{Inode: 2, Pos: 9, File: "/b"}) {
		t.Errorf("Load() = %v, want the replacement table only", got)
	}
}
