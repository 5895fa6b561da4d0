package library

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/sizetrimmer/internal/config"
)

func writeFile(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	if age > 0 {
		ts := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(path, ts, ts))
	}
}

func testSettings(root string) config.Settings {
	s := config.DefaultSettings()
	s.ParentDirectory = root
	s.MinFileAgeSeconds = 5
	return s
}

func collect(s *Scanner, root string, settings config.Settings) []Candidate {
	var out []Candidate
	for c := range s.Scan(context.Background(), root, settings) {
		out = append(out, c)
	}
	return out
}

func paths(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Path)
	}
	slices.Sort(out)
	return out
}

func TestScanner_FiltersTree(t *testing.T) {
	root := t.TempDir()
	old := time.Hour

	movie := filepath.Join(root, "movies", "Heat", "Heat.mkv")
	episode := filepath.Join(root, "tv", "Dark", "S01E01.mp4")
	song := filepath.Join(root, "music", "track.flac")
	writeFile(t, movie, 100, old)
	writeFile(t, episode, 200, old)
	writeFile(t, song, 50, old)

	writeFile(t, filepath.Join(root, "movies", "Heat", "Heat.srt"), 10, old)
	writeFile(t, filepath.Join(root, "movies", "Heat", "Heat.tmp.mkv"), 10, old)
	writeFile(t, filepath.Join(root, "movies", "Heat", "Heat.trimmed.mkv"), 10, old)
	writeFile(t, filepath.Join(root, ".trash", "old.mkv"), 10, old)
	writeFile(t, filepath.Join(root, "movies", ".hidden.mkv"), 10, old)
	writeFile(t, filepath.Join(root, "movies", "Extras", "bonus.mkv"), 10, old)
	writeFile(t, filepath.Join(root, "movies", "sample.sample.mkv"), 10, old)
	writeFile(t, filepath.Join(root, "movies", "copying.mkv"), 10, 0)

	settings := testSettings(root)
	settings.ExcludePatterns = []string{"Extras", "*.sample.mkv"}

	got := collect(NewScanner(), root, settings)
	assert.Equal(t, []string{episode, movie, song}, paths(got))

	byPath := map[string]Candidate{}
	for _, c := range got {
		byPath[c.Path] = c
	}
	assert.Equal(t, MediaMovie, byPath[movie].MediaType)
	assert.Equal(t, MediaTV, byPath[episode].MediaType)
	assert.Equal(t, MediaMusic, byPath[song].MediaType)
	assert.Equal(t, int64(200), byPath[episode].Size)
}

func TestScanner_SkipsActiveProcessedAndOptimized(t *testing.T) {
	root := t.TempDir()
	active := filepath.Join(root, "movies", "active.mkv")
	done := filepath.Join(root, "movies", "done.mkv")
	optimal := filepath.Join(root, "movies", "optimal.mkv")
	fresh := filepath.Join(root, "movies", "fresh.mkv")
	for _, p := range []string{active, done, optimal, fresh} {
		writeFile(t, p, 10, time.Hour)
	}

	settings := testSettings(root)
	fingerprint := settings.Fingerprint()

	scanner := NewScanner(
		WithActiveCheck(func(path string) bool { return path == active }),
		WithProcessedCheck(func(_ context.Context, path string, size int64, fp string) bool {
			return path == done && size == 10 && fp == fingerprint
		}),
		WithOptimizedCheck(func(_ context.Context, path string, _ MediaType, _ config.Settings) (bool, error) {
			return path == optimal, nil
		}),
	)

	assert.Equal(t, []string{fresh}, paths(collect(scanner, root, settings)))
}

func TestScanner_ProbeErrorStillQueues(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "movies", "odd.mkv")
	writeFile(t, p, 10, time.Hour)

	scanner := NewScanner(WithOptimizedCheck(func(context.Context, string, MediaType, config.Settings) (bool, error) {
		return false, errors.New("invalid data found when processing input")
	}))
	assert.Equal(t, []string{p}, paths(collect(scanner, root, testSettings(root))))
}

func TestScanner_RescanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		writeFile(t, filepath.Join(root, "movies", name), 10, time.Hour)
	}

	var mu sync.Mutex
	admitted := map[string]bool{}
	scanner := NewScanner(WithActiveCheck(func(path string) bool {
		mu.Lock()
		defer mu.Unlock()
		return admitted[path]
	}))
	settings := testSettings(root)

	first := collect(scanner, root, settings)
	require.Len(t, first, 3)
	for _, c := range first {
		admitted[c.Path] = true
	}

	assert.Empty(t, collect(scanner, root, settings))
}

func TestScanner_StopsWhenConsumerStops(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"a.mkv", "b.mkv", "c.mkv"} {
		writeFile(t, filepath.Join(root, "movies", name), 10, time.Hour)
	}

	n := 0
	for range NewScanner().Scan(context.Background(), root, testSettings(root)) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestScanner_CancelledContextYieldsNothing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "movies", "a.mkv"), 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n := 0
	for range NewScanner().Scan(ctx, root, testSettings(root)) {
		n++
	}
	assert.Zero(t, n)
}

func TestScanner_MissingRootAndEmptyRoot(t *testing.T) {
	settings := testSettings("")
	assert.Empty(t, collect(NewScanner(), "", settings))
	assert.Empty(t, collect(NewScanner(), filepath.Join(t.TempDir(), "gone"), settings))
}

func TestScanner_UnreadableSubtreeDoesNotAbortWalk(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	root := t.TempDir()
	locked := filepath.Join(root, "movies", "locked")
	writeFile(t, filepath.Join(locked, "x.mkv"), 10, time.Hour)
	ok := filepath.Join(root, "movies", "ok.mkv")
	writeFile(t, ok, 10, time.Hour)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	assert.Equal(t, []string{ok}, paths(collect(NewScanner(), root, testSettings(root))))
}

func TestScanner_BrokenSymlinkSkipped(t *testing.T) {
	root := t.TempDir()
	ok := filepath.Join(root, "movies", "ok.mkv")
	writeFile(t, ok, 10, time.Hour)
	require.NoError(t, os.Symlink(filepath.Join(root, "nowhere.mkv"), filepath.Join(root, "movies", "dangling.mkv")))

	assert.Equal(t, []string{ok}, paths(collect(NewScanner(), root, testSettings(root))))
}

func TestScanner_Evaluate(t *testing.T) {
	root := t.TempDir()
	settings := testSettings(root)
	settings.ExcludePatterns = []string{"Extras"}

	good := filepath.Join(root, "tv", "Show", "S01E02.mkv")
	writeFile(t, good, 10, time.Hour)
	hidden := filepath.Join(root, ".cache", "x.mkv")
	writeFile(t, hidden, 10, time.Hour)
	extra := filepath.Join(root, "movies", "Extras", "bonus.mkv")
	writeFile(t, extra, 10, time.Hour)
	outside := filepath.Join(t.TempDir(), "movies", "x.mkv")
	writeFile(t, outside, 10, time.Hour)

	scanner := NewScanner()
	c, ok := scanner.Evaluate(context.Background(), good, settings)
	require.True(t, ok)
	assert.Equal(t, MediaTV, c.MediaType)

	for _, p := range []string{hidden, extra, outside, filepath.Join(root, "movies", "missing.mkv")} {
		_, ok := scanner.Evaluate(context.Background(), p, settings)
		assert.False(t, ok, p)
	}

	settings.ParentDirectory = ""
	_, ok = scanner.Evaluate(context.Background(), good, settings)
	assert.False(t, ok)
}

func TestScanner_UsesClockForFileAge(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "movies", "new.mkv")
	writeFile(t, p, 10, 0)

	settings := testSettings(root)
	assert.Empty(t, collect(NewScanner(), root, settings))

	later := NewScanner(WithClock(func() time.Time { return time.Now().Add(time.Minute) }))
	assert.Equal(t, []string{p}, paths(collect(later, root, settings)))
}
