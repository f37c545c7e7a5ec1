package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// FileStore persists entries as a JSON array of {"inode","pos","file"}
// objects. Loading is tolerant: an absent or damaged file means no prior
// state, and malformed entries are skipped so the well-formed remainder
// still applies. Saving writes a sibling temp file and renames it into
// place.
type FileStore struct {
	fs   afero.Fs
	path string
}

// NewFileStore creates a position file store at path.
func NewFileStore(fs afero.Fs, path string) *FileStore {
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Load(ctx context.Context) ([]Entry, error) {
	f, err := s.fs.Open(s.path)
	if os.IsNotExist(err) {
		log.Info().Str("file", s.path).Msg("Position file not found, starting with empty state")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open position file %s: %w", s.path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	tok, err := dec.Token()
	if err != nil {
		log.Warn().Err(err).Str("file", s.path).
			Msg("Position file is unreadable, starting with empty state")
		return nil, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		log.Warn().Str("file", s.path).
			Msg("Position file is not a JSON array, starting with empty state")
		return nil, nil
	}

	var entries []Entry
	for dec.More() {
		var raw struct {
			Inode *uint64 `json:"inode"`
			Pos   *int64  `json:"pos"`
			File  *string `json:"file"`
		}
		if err := dec.Decode(&raw); err != nil {
			// The stream is broken past this point; keep what parsed.
			log.Warn().Err(err).Str("file", s.path).Int("loaded", len(entries)).
				Msg("Malformed position file entry, keeping entries loaded so far")
			return entries, nil
		}
		if raw.Inode == nil || raw.Pos == nil || raw.File == nil {
			log.Warn().Str("file", s.path).
				Msg("Position file entry is missing a required field, skipping")
			continue
		}
		if *raw.Pos < 0 {
			log.Warn().Str("file", s.path).Int64("pos", *raw.Pos).
				Msg("Position file entry has a negative offset, skipping")
			continue
		}
		entries = append(entries, Entry{Inode: *raw.Inode, Pos: *raw.Pos, File: *raw.File})
	}
	return entries, nil
}

func (s *FileStore) Save(ctx context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal position entries: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create position file directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp position file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("write temp position file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return fmt.Errorf("sync temp position file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("close temp position file: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("replace position file: %w", err)
	}

	log.Debug().Str("file", s.path).Int("entries", len(entries)).Msg("Position file saved")
	return nil
}

func (s *FileStore) Close() error { return nil }
