// Package matcher implements the file group matcher the tail engine
// consumes: given a named group and a glob pattern it returns the files
// currently belonging to the group.
package matcher

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Config describes one file group.
type Config struct {
	// Group is the logical group name. Required.
	Group string

	// Pattern is the glob matching the group's files. Required, and must
	// be absolute so parent-relative file name headers are stable.
	Pattern string

	// CachePatternMatching reuses the previous result while the parent
	// directory's modification time is unchanged. Note that with
	// second-granularity mtimes a file created within the same second as
	// the cached scan shows up one scan late.
	CachePatternMatching bool

	// DateDirectory expands reference-time layout tokens in the pattern
	// (e.g. 20060102) to the current date before matching, for logs laid
	// out in per-day directories.
	DateDirectory bool

	// Prefix keeps only files whose base name starts with it.
	Prefix string
}

// GlobMatcher matches one group's files by glob pattern.
type GlobMatcher struct {
	fs  afero.Fs
	cfg Config

	parentDir string

	cached     []string
	cachedMod  time.Time
	haveCached bool
}

// New validates cfg and builds a matcher.
func New(fs afero.Fs, cfg Config) (*GlobMatcher, error) {
	if cfg.Group == "" {
		return nil, fmt.Errorf("matcher: group name is required")
	}
	if cfg.Pattern == "" {
		return nil, fmt.Errorf("matcher: group %q: pattern is required", cfg.Group)
	}
	if !filepath.IsAbs(cfg.Pattern) {
		return nil, fmt.Errorf("matcher: group %q: pattern %q must be absolute", cfg.Group, cfg.Pattern)
	}
	if _, err := filepath.Match(filepath.Base(cfg.Pattern), ""); err != nil {
		return nil, fmt.Errorf("matcher: group %q: bad pattern %q: %w", cfg.Group, cfg.Pattern, err)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &GlobMatcher{
		fs:        fs,
		cfg:       cfg,
		parentDir: filepath.Dir(cfg.Pattern),
	}, nil
}

// Group returns the group name.
func (m *GlobMatcher) Group() string { return m.cfg.Group }

// ParentDir returns the directory part of the pattern.
func (m *GlobMatcher) ParentDir() string { return m.parentDir }

// MatchingFiles returns the group's current files, regular files only,
// lexically sorted.
func (m *GlobMatcher) MatchingFiles() ([]string, error) {
	pattern := m.cfg.Pattern
	parentDir := m.parentDir
	if m.cfg.DateDirectory {
		pattern = time.Now().Format(pattern)
		parentDir = filepath.Dir(pattern)
	}

	var dirMod time.Time
	if m.cfg.CachePatternMatching {
		if fi, err := m.fs.Stat(parentDir); err == nil {
			if m.haveCached && fi.ModTime().Equal(m.cachedMod) {
				return append([]string(nil), m.cached...), nil
			}
			dirMod = fi.ModTime()
		}
	}

	paths, err := afero.Glob(m.fs, pattern)
	if err != nil {
		return nil, fmt.Errorf("matcher: group %q: glob %q: %w", m.cfg.Group, pattern, err)
	}

	files := make([]string, 0, len(paths))
	for _, path := range paths {
		if m.cfg.Prefix != "" && !strings.HasPrefix(filepath.Base(path), m.cfg.Prefix) {
			continue
		}
		fi, err := m.fs.Stat(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Cannot stat matched path, skipping")
			continue
		}
		if fi.IsDir() {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)

	if m.cfg.CachePatternMatching {
		m.cached = append([]string(nil), files...)
		m.cachedMod = dirMod
		m.haveCached = true
	}
	return files, nil
}
