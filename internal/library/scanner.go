package library

import (
	"context"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

// Encoder outputs are never sources: in-progress ones carry ".tmp." and
// results kept next to their original carry ".trimmed.".
const (
	tempMarker = ".tmp."
	keepMarker = ".trimmed."
)

// OptimizedCheck reports whether a file already meets the target settings.
type OptimizedCheck func(ctx context.Context, path string, mediaType MediaType, settings config.Settings) (bool, error)

// ProcessedCheck reports whether history already holds a completed
// conversion of path at this size under the given settings fingerprint.
type ProcessedCheck func(ctx context.Context, path string, size int64, fingerprint string) bool

// ActiveCheck reports whether path is queued or running.
type ActiveCheck func(path string) bool

type scannerOptions struct {
	optimized OptimizedCheck
	processed ProcessedCheck
	active    ActiveCheck
	now       func() time.Time
}

type Option func(*scannerOptions)

func WithOptimizedCheck(check OptimizedCheck) Option {
	return func(o *scannerOptions) {
		o.optimized = check
	}
}

func WithProcessedCheck(check ProcessedCheck) Option {
	return func(o *scannerOptions) {
		o.processed = check
	}
}

func WithActiveCheck(check ActiveCheck) Option {
	return func(o *scannerOptions) {
		o.active = check
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *scannerOptions) {
		o.now = now
	}
}

// Scanner decides which files under the media root need converting.
type Scanner struct {
	optimized OptimizedCheck
	processed ProcessedCheck
	active    ActiveCheck
	now       func() time.Time
}

func NewScanner(opts ...Option) *Scanner {
	options := scannerOptions{
		optimized: func(context.Context, string, MediaType, config.Settings) (bool, error) { return false, nil },
		processed: func(context.Context, string, int64, string) bool { return false },
		active:    func(string) bool { return false },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Scanner{
		optimized: options.optimized,
		processed: options.processed,
		active:    options.active,
		now:       options.now,
	}
}

// Scan lazily walks root and yields conversion candidates. Unreadable
// subtrees are logged and skipped. The walk stops when ctx is done or the
// consumer stops iterating.
func (s *Scanner) Scan(ctx context.Context, root string, settings config.Settings) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		if strings.TrimSpace(root) == "" {
			return
		}
		root = filepath.Clean(root)
		kw := KeywordsFrom(settings)
		fingerprint := settings.Fingerprint()

		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if err != nil {
				log.Warn("Skipping %s: %v", path, err)
				if d != nil && d.IsDir() && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && s.skipDir(root, path, settings) {
					return filepath.SkipDir
				}
				return nil
			}

			c, ok := s.evaluate(ctx, root, path, settings, kw, fingerprint)
			if !ok {
				return nil
			}
			if !yield(c) {
				return filepath.SkipAll
			}
			return nil
		})
	}
}

// Evaluate applies the scan filters to a single file under the configured
// media root.
func (s *Scanner) Evaluate(ctx context.Context, path string, settings config.Settings) (Candidate, bool) {
	root := filepath.Clean(settings.ParentDirectory)
	if strings.TrimSpace(settings.ParentDirectory) == "" {
		return Candidate{}, false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Candidate{}, false
	}
	for _, seg := range strings.Split(filepath.ToSlash(filepath.Dir(rel)), "/") {
		if seg == "." || seg == "" {
			continue
		}
		if isHidden(seg) || excluded(settings.ExcludePatterns, seg, "") {
			return Candidate{}, false
		}
	}
	return s.evaluate(ctx, root, path, settings, KeywordsFrom(settings), settings.Fingerprint())
}

func (s *Scanner) skipDir(root, path string, settings config.Settings) bool {
	name := filepath.Base(path)
	if isHidden(name) {
		return true
	}
	rel, _ := filepath.Rel(root, path)
	return excluded(settings.ExcludePatterns, name, rel)
}

func (s *Scanner) evaluate(
	ctx context.Context,
	root string,
	path string,
	settings config.Settings,
	kw Keywords,
	fingerprint string,
) (Candidate, bool) {
	name := filepath.Base(path)
	if isHidden(name) || strings.Contains(name, tempMarker) || strings.Contains(name, keepMarker) {
		return Candidate{}, false
	}
	rel, _ := filepath.Rel(root, path)
	if excluded(settings.ExcludePatterns, name, rel) {
		return Candidate{}, false
	}

	mediaType := Classify(path, kw)
	if mediaType == MediaUnsupported {
		return Candidate{}, false
	}

	info, err := os.Stat(path)
	if err != nil {
		log.Warn("Skipping %s: %v", path, err)
		return Candidate{}, false
	}
	if !info.Mode().IsRegular() {
		return Candidate{}, false
	}

	// A recently modified file may still be copying in.
	minAge := time.Duration(settings.MinFileAgeSeconds) * time.Second
	if s.now().Sub(info.ModTime()) < minAge {
		log.Debug("Skipping %s: modified too recently", path)
		return Candidate{}, false
	}

	if s.active(path) {
		return Candidate{}, false
	}
	if s.processed(ctx, path, info.Size(), fingerprint) {
		return Candidate{}, false
	}

	optimized, err := s.optimized(ctx, path, mediaType, settings)
	if err != nil {
		log.Debug("Probe of %s failed, queueing anyway: %v", path, err)
	}
	if optimized {
		log.Debug("Skipping %s: already meets target", path)
		return Candidate{}, false
	}

	return Candidate{
		Path:      path,
		MediaType: mediaType,
		Size:      info.Size(),
		ModTime:   info.ModTime(),
	}, true
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func excluded(patterns []string, name, rel string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
		if rel == "" {
			continue
		}
		if ok, _ := filepath.Match(pattern, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}
