package tailer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quietlog/taildir/internal/checkpoint"
	"github.com/quietlog/taildir/internal/framing"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// ErrNoCurrentFile reports a read attempted with no file selected. This
// is a caller bug, not a data condition; hosts should treat it as fatal.
var ErrNoCurrentFile = errors.New("tailer: no current file selected")

// Config is the complete, immutable engine configuration, validated once
// by New.
type Config struct {
	// Fs is the filesystem everything is read through. Defaults to the
	// OS filesystem.
	Fs afero.Fs

	// Matchers supply the candidate files, one per group. Required.
	Matchers []Matcher

	// Headers maps group names to the static headers attached to every
	// record of that group.
	Headers HeaderTable

	// Checkpoints persists confirmed positions. Optional; without it
	// LoadCheckpoint and SaveCheckpoint are no-ops.
	Checkpoints checkpoint.Store

	// Framing selects the per-group framing strategy. Groups without an
	// entry use DefaultFraming, which itself defaults to plain lines.
	Framing        map[string]framing.Strategy
	DefaultFraming framing.Strategy

	// SkipToEnd starts files found on the very first scan at end-of-file
	// instead of offset zero.
	SkipToEnd bool

	// AnnotateFileName attaches each record's path relative to the group
	// parent directory under FileNameHeader, and invokes the Annotator
	// if one is configured.
	AnnotateFileName bool
	FileNameHeader   string

	// AnnotateByteOffset attaches each record's starting byte offset
	// under ByteOffsetHeader.
	AnnotateByteOffset bool
	ByteOffsetHeader   string

	// Identity resolves file identities. Defaults to InodeIdentity.
	Identity IdentityFunc

	// Annotator may attach routing headers per record. Optional.
	Annotator Annotator

	// MaxRecordBytes bounds single-record accumulation. Defaults to 1MB.
	MaxRecordBytes int
}

const (
	defaultFileNameHeader   = "file"
	defaultByteOffsetHeader = "byteoffset"
	defaultMaxRecordBytes   = 1024 * 1024
)

func (c *Config) withDefaults() {
	if c.Fs == nil {
		c.Fs = afero.NewOsFs()
	}
	if c.FileNameHeader == "" {
		c.FileNameHeader = defaultFileNameHeader
	}
	if c.ByteOffsetHeader == "" {
		c.ByteOffsetHeader = defaultByteOffsetHeader
	}
	if c.DefaultFraming == nil {
		c.DefaultFraming = framing.Line{}
	}
	if c.Identity == nil {
		c.Identity = InodeIdentity
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = defaultMaxRecordBytes
	}
}

// Engine tracks a dynamic set of growing and rotating files and turns
// their byte streams into records with durable read progress.
//
// The engine provides no internal synchronization: the host drives
// Discover, ReadBatch and Commit from a single goroutine. Uncommitted
// batches are tracked per file, so a host that fails to deliver one
// file's batch may move on and return to it later.
type Engine struct {
	fs       afero.Fs
	cfg      Config
	matchers []Matcher
	headers  HeaderTable
	framers  map[string]framing.Framer
	store    checkpoint.Store

	files      map[uint64]*TrackedFile
	current    *TrackedFile
	updateTime time.Time
}

// New builds an engine from cfg, runs the initial discovery scan (the
// only one SkipToEnd applies to) and, when a checkpoint store is
// configured, restores the persisted positions.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	cfg.withDefaults()
	if len(cfg.Matchers) == 0 {
		return nil, fmt.Errorf("tailer: at least one matcher is required")
	}

	framers := make(map[string]framing.Framer, len(cfg.Matchers))
	for _, m := range cfg.Matchers {
		group := m.Group()
		if _, ok := framers[group]; ok {
			return nil, fmt.Errorf("tailer: duplicate group %q", group)
		}
		strategy, ok := cfg.Framing[group]
		if !ok {
			strategy = cfg.DefaultFraming
		}
		f, err := strategy.NewFramer()
		if err != nil {
			return nil, fmt.Errorf("tailer: group %q: %w", group, err)
		}
		framers[group] = f
	}

	e := &Engine{
		fs:       cfg.Fs,
		cfg:      cfg,
		matchers: cfg.Matchers,
		headers:  cfg.Headers,
		framers:  framers,
		store:    cfg.Checkpoints,
		files:    make(map[uint64]*TrackedFile),
	}

	if _, err := e.discover(cfg.SkipToEnd); err != nil {
		return nil, err
	}
	if err := e.LoadCheckpoint(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Discover refreshes the identity registry against the matchers' current
// view: new identities (or known identities at a new path) get fresh
// TrackedFiles, grown files are marked for reading, truncated files reset
// to offset zero. It returns the identities seen this scan. Per-file
// failures are logged and isolated; they never abort the scan.
func (e *Engine) Discover() ([]uint64, error) {
	return e.discover(false)
}

func (e *Engine) discover(skipToEnd bool) ([]uint64, error) {
	e.updateTime = time.Now()
	var seen []uint64
	for _, m := range e.matchers {
		group := m.Group()
		files, err := m.MatchingFiles()
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("Matcher failed, skipping group this scan")
			continue
		}
		headers := e.headers[group]
		framer := e.framers[group]

		for _, path := range files {
			fi, err := e.fs.Stat(path)
			if err != nil {
				log.Warn().Err(err).Str("file", path).Msg("Cannot stat matched file, skipping this scan")
				continue
			}
			inode, err := e.cfg.Identity(path, fi)
			if err != nil {
				log.Warn().Err(err).Str("file", path).Msg("Cannot resolve file identity, skipping this scan")
				continue
			}

			tf := e.files[inode]
			if tf == nil || tf.path != path {
				// New identity, or a known identity renamed: start over
				// with a fresh tracked file, releasing the handle of the
				// entry it replaces.
				if tf != nil {
					if err := tf.Close(); err != nil {
						log.Warn().Err(err).Str("file", tf.path).Msg("Failed closing replaced file handle")
					}
				}
				startPos := int64(0)
				if skipToEnd {
					startPos = fi.Size()
				}
				tf, err = e.openFile(path, headers, inode, startPos, m.ParentDir(), framer)
				if err != nil {
					log.Warn().Err(err).Str("file", path).Msg("Failed opening matched file, retrying next scan")
					continue
				}
				tf.needsRead = tf.pos < fi.Size()
			} else {
				updated := tf.lastUpdated.Before(fi.ModTime()) || tf.pos != fi.Size()
				if updated {
					if !tf.hasHandle() {
						if err := tf.open(e.fs); err != nil {
							log.Warn().Err(err).Str("file", path).Msg("Failed reopening idle file, retrying next scan")
							continue
						}
					}
					if fi.Size() < tf.pos {
						log.Warn().
							Str("file", tf.path).
							Uint64("inode", inode).
							Int64("pos", tf.pos).
							Int64("size", fi.Size()).
							Msg("File shrank below confirmed position, restarting from 0")
						tf.UpdatePos(tf.path, inode, 0)
					}
				}
				tf.needsRead = updated
			}
			e.files[inode] = tf
			seen = append(seen, inode)
		}
	}
	return seen, nil
}

func (e *Engine) openFile(path string, headers map[string]string, inode uint64, pos int64, parentDir string, framer framing.Framer) (*TrackedFile, error) {
	log.Info().
		Str("file", path).
		Uint64("inode", inode).
		Int64("pos", pos).
		Str("parent_dir", parentDir).
		Msg("Opening file")
	tf := &TrackedFile{
		inode:     inode,
		path:      path,
		parentDir: parentDir,
		headers:   headers,
		framer:    framer,
		pos:       pos,
	}
	if err := tf.open(e.fs); err != nil {
		return nil, err
	}
	return tf, nil
}

// TailFiles exposes the identity registry. The map is the engine's own;
// callers must not mutate it.
func (e *Engine) TailFiles() map[uint64]*TrackedFile { return e.files }

// SetCurrent selects the file the next ReadBatch reads from.
func (e *Engine) SetCurrent(tf *TrackedFile) { e.current = tf }

// Current returns the selected file, or nil.
func (e *Engine) Current() *TrackedFile { return e.current }

// ReadBatch reads up to max records from the current file, never waiting
// for more data. The uncommitted state is tracked per file: if this
// file's last batch was never committed its tentative position first
// rolls back to the confirmed one, so the uncommitted records are
// produced again rather than lost, no matter how many other files were
// read in between. When records result they carry the group headers, the
// optional file name and byte offset headers, and whatever the annotator
// adds; the batch then awaits Commit.
func (e *Engine) ReadBatch(max int) ([]*Record, error) {
	if e.current == nil {
		return nil, ErrNoCurrentFile
	}
	if e.current.dirty() {
		log.Info().
			Str("file", e.current.path).
			Int64("pos", e.current.pos).
			Msg("Last read was never committed, resetting position")
		e.current.rollback()
	}

	offsetHeader := ""
	if e.cfg.AnnotateByteOffset {
		offsetHeader = e.cfg.ByteOffsetHeader
	}
	records, err := e.current.readRecords(max, offsetHeader, e.cfg.MaxRecordBytes)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return records, nil
	}

	relPath := relativePath(e.current.path, e.current.parentDir)
	for _, rec := range records {
		for k, v := range e.current.headers {
			rec.Headers[k] = v
		}
		if e.cfg.AnnotateFileName {
			rec.Headers[e.cfg.FileNameHeader] = relPath
			if e.cfg.Annotator != nil {
				e.cfg.Annotator.Annotate(rec, relPath, e.cfg.FileNameHeader)
			}
		}
	}
	return records, nil
}

// ReadRecord reads a single record, or nil when none is available.
func (e *Engine) ReadRecord() (*Record, error) {
	records, err := e.ReadBatch(1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Commit confirms the current file's last read batch: the tentative
// position becomes the confirmed one, stamped with the scan time of the
// discovery pass that produced the batch. Committing with nothing
// outstanding is a no-op.
func (e *Engine) Commit() error {
	if e.current == nil || !e.current.dirty() {
		return nil
	}
	e.current.commit(e.updateTime)
	return nil
}

// LoadCheckpoint applies persisted positions to the registry. Entries
// whose identity is not currently tracked, or whose path no longer
// matches the tracked file, are skipped: files go missing across restarts
// and that is never fatal.
func (e *Engine) LoadCheckpoint(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	entries, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	for _, ent := range entries {
		tf := e.files[ent.Inode]
		if tf != nil && tf.UpdatePos(ent.File, ent.Inode, ent.Pos) {
			continue
		}
		log.Info().
			Uint64("inode", ent.Inode).
			Int64("pos", ent.Pos).
			Str("file", ent.File).
			Msg("Skipping checkpoint entry for missing file")
	}
	return nil
}

// SaveCheckpoint persists the confirmed position of every tracked
// identity through the configured store.
func (e *Engine) SaveCheckpoint(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	entries := make([]checkpoint.Entry, 0, len(e.files))
	for _, tf := range e.files {
		entries = append(entries, checkpoint.Entry{Inode: tf.inode, Pos: tf.pos, File: tf.path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Inode < entries[j].Inode })
	if err := e.store.Save(ctx, entries); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// CloseIdle releases the handles of files not updated within olderThan.
// Only the handle is dropped: the registry entry and confirmed position
// stay, and the next discovery scan reopens on demand. The current file
// of an uncommitted batch is never touched.
func (e *Engine) CloseIdle(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	for _, tf := range e.files {
		if !tf.hasHandle() || !tf.lastUpdated.Before(cutoff) {
			continue
		}
		if tf == e.current && tf.dirty() {
			continue
		}
		if err := tf.Close(); err != nil {
			log.Warn().Err(err).Str("file", tf.path).Msg("Failed closing idle file")
			continue
		}
		log.Debug().Str("file", tf.path).Uint64("inode", tf.inode).Msg("Closed idle file")
	}
}

// Prune drops registry entries whose identities are absent from live
// (typically the result of the latest Discover), closing their handles.
// The current file of an uncommitted batch is kept. Eviction policy stays
// with the host; the engine never prunes on its own.
func (e *Engine) Prune(live []uint64) {
	alive := make(map[uint64]struct{}, len(live))
	for _, inode := range live {
		alive[inode] = struct{}{}
	}
	for inode, tf := range e.files {
		if _, ok := alive[inode]; ok {
			continue
		}
		if tf == e.current && tf.dirty() {
			continue
		}
		if err := tf.Close(); err != nil {
			log.Warn().Err(err).Str("file", tf.path).Msg("Failed closing pruned file")
		}
		delete(e.files, inode)
		log.Info().Str("file", tf.path).Uint64("inode", inode).Msg("Pruned tracked file")
	}
}

// Close releases every open handle. Confirmed positions are untouched, so
// a later SaveCheckpoint still persists them. Safe to call at any time.
func (e *Engine) Close() error {
	var firstErr error
	for _, tf := range e.files {
		if err := tf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func relativePath(path, parentDir string) string {
	rel := strings.TrimPrefix(path, parentDir)
	return strings.TrimPrefix(rel, "/")
}
