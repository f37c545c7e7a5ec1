package tailer

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/quietlog/taildir/internal/framing"
	"github.com/spf13/afero"
)

const readChunkSize = 64 * 1024

// TrackedFile is one tracked identity: an inode, the path it was last
// seen at, its confirmed (committed) and tentative (uncommitted) read
// positions, and the framer that cuts its byte stream into records. The
// handle may be nil while the file is idle; reads require it open.
type TrackedFile struct {
	inode     uint64
	path      string
	parentDir string
	headers   map[string]string
	framer    framing.Framer

	file afero.File
	// pos is the confirmed offset; readPos the tentative one. pending
	// holds bytes already read from the file past readPos that the framer
	// has not yet cut into complete records.
	pos         int64
	readPos     int64
	pending     []byte
	lastUpdated time.Time
	needsRead   bool
}

func (tf *TrackedFile) Inode() uint64          { return tf.inode }
func (tf *TrackedFile) Path() string           { return tf.path }
func (tf *TrackedFile) ParentDir() string      { return tf.parentDir }
func (tf *TrackedFile) Pos() int64             { return tf.pos }
func (tf *TrackedFile) ReadPos() int64         { return tf.readPos }
func (tf *TrackedFile) LastUpdated() time.Time { return tf.lastUpdated }
func (tf *TrackedFile) NeedsRead() bool        { return tf.needsRead }
func (tf *TrackedFile) Headers() map[string]string {
	return tf.headers
}

func (tf *TrackedFile) hasHandle() bool { return tf.file != nil }

// dirty reports whether records were read past the confirmed position
// without a commit. Records are the only thing that advances readPos, so
// the comparison is exact.
func (tf *TrackedFile) dirty() bool { return tf.readPos > tf.pos }

// open acquires a read handle. Reads are positioned, so the confirmed
// position is not disturbed; the tentative position and any held-back
// bytes reset to it.
func (tf *TrackedFile) open(fs afero.Fs) error {
	f, err := fs.Open(tf.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", tf.path, err)
	}
	tf.file = f
	tf.readPos = tf.pos
	tf.pending = nil
	return nil
}

// UpdatePos applies a checkpointed position. It only takes effect when
// both identity and path match the entry, guarding against stale entries
// pointing at a replaced file.
func (tf *TrackedFile) UpdatePos(path string, inode uint64, pos int64) bool {
	if inode != tf.inode || path != tf.path {
		return false
	}
	tf.pos = pos
	tf.readPos = pos
	tf.pending = nil
	return true
}

// rollback discards uncommitted progress, returning the tentative
// position to the confirmed one.
func (tf *TrackedFile) rollback() {
	tf.readPos = tf.pos
	tf.pending = nil
}

// commit confirms everything read so far.
func (tf *TrackedFile) commit(at time.Time) {
	tf.pos = tf.readPos
	tf.lastUpdated = at
}

// readRecords reads currently available bytes from the tentative position
// and frames them into at most max records, advancing the tentative
// position past each complete record. It never waits for more data. When
// offsetHeader is non-empty each record carries its starting byte offset
// under that header. maxRecordBytes bounds how much may accumulate for a
// single record before the file is considered malformed for the active
// framing strategy.
func (tf *TrackedFile) readRecords(max int, offsetHeader string, maxRecordBytes int) ([]*Record, error) {
	if tf.file == nil {
		return nil, fmt.Errorf("file %s has no open handle", tf.path)
	}

	var records []*Record
	buf := make([]byte, readChunkSize)
	for len(records) < max {
		n, err := tf.file.ReadAt(buf, tf.readPos+int64(len(tf.pending)))
		if n > 0 {
			tf.pending = append(tf.pending, buf[:n]...)
		}
		atEOF := errors.Is(err, io.EOF)
		if err != nil && !atEOF {
			return records, fmt.Errorf("read %s: %w", tf.path, err)
		}

		chunks, consumed := tf.framer.Frame(tf.pending, max-len(records), atEOF)
		off := tf.readPos
		for _, c := range chunks {
			rec := &Record{
				Body:    append([]byte(nil), c.Data...),
				Headers: make(map[string]string),
			}
			if offsetHeader != "" {
				rec.Headers[offsetHeader] = strconv.FormatInt(off, 10)
			}
			off += int64(c.Size)
			records = append(records, rec)
		}
		tf.readPos += int64(consumed)
		tf.pending = append(tf.pending[:0], tf.pending[consumed:]...)

		if atEOF {
			break
		}
		if consumed == 0 && len(tf.pending) > maxRecordBytes {
			return records, fmt.Errorf("record in %s exceeds %d bytes without a boundary", tf.path, maxRecordBytes)
		}
		if n == 0 && consumed == 0 {
			break
		}
	}
	return records, nil
}

// Close releases the read handle, keeping the confirmed position. Safe to
// call with no handle open.
func (tf *TrackedFile) Close() error {
	if tf.file == nil {
		return nil
	}
	err := tf.file.Close()
	tf.file = nil
	tf.pending = nil
	tf.readPos = tf.pos
	if err != nil {
		return fmt.Errorf("close %s: %w", tf.path, err)
	}
	return nil
}
