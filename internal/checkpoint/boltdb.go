package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const bucketName = "positions"

// BoltStore implements Store on a BoltDB file. Keys are 8-byte
// big-endian inodes; values are the 8-byte big-endian position followed
// by the path bytes. BoltDB's transactional writes give the same
// crash-atomicity the position file gets from rename.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) a BoltDB checkpoint store at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().Str("db_path", dbPath).Msg("BoltDB checkpoint store initialized")
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) < 8 {
				log.Warn().Int("key_len", len(k)).Int("val_len", len(v)).
					Msg("Malformed checkpoint record, skipping")
				return nil
			}
			entries = append(entries, Entry{
				Inode: binary.BigEndian.Uint64(k),
				Pos:   int64(binary.BigEndian.Uint64(v[:8])),
				File:  string(v[8:]),
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint entries: %w", err)
	}
	return entries, nil
}

func (s *BoltStore) Save(ctx context.Context, entries []Entry) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		// Replace the whole table so removed files do not linger.
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(bucketName))
		if err != nil {
			return err
		}
		for _, ent := range entries {
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, ent.Inode)
			val := make([]byte, 8, 8+len(ent.File))
			binary.BigEndian.PutUint64(val, uint64(ent.Pos))
			val = append(val, ent.File...)
			if err := b.Put(key, val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint entries: %w", err)
	}

	log.Debug().Int("entries", len(entries)).Msg("Checkpoint saved")
	return nil
}

// Close closes the BoltDB database.
func (s *BoltStore) Close() error {
	log.Info().Msg("Closing BoltDB checkpoint store")
	return s.db.Close()
}
