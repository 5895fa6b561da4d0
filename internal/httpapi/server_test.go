package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
	"github.com/MimeLyc/sizetrimmer/internal/persistence"
	"github.com/MimeLyc/sizetrimmer/internal/pipeline"
)

type fakePipeline struct {
	settings *config.SettingsStore

	mu        sync.Mutex
	paused    bool
	active    map[string]bool
	cancelled []string
	cancelErr error
	filters   []persistence.HistoryFilter
	records   []persistence.HistoryRecord
	scans     int
	scanErr   error
	panicking bool
}

func newFakePipeline(t *testing.T) *fakePipeline {
	t.Helper()
	s := config.DefaultSettings()
	s.ParentDirectory = t.TempDir()
	store, err := config.NewSettingsStore(filepath.Join(t.TempDir(), "config.json"), s)
	require.NoError(t, err)
	return &fakePipeline{settings: store, active: map[string]bool{}}
}

func (f *fakePipeline) Snapshot() pipeline.Snapshot {
	if f.panicking {
		panic("snapshot exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return pipeline.Snapshot{
		QueueSize:           len(f.active),
		IsPaused:            f.paused,
		DryRun:              f.settings.Get().DryRun,
		TotalSavedBytes:     800_000_000,
		TotalConversions:    3,
		CurrentlyConverting: []pipeline.RunningJob{},
	}
}

func (f *fakePipeline) History(_ context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.records, nil
}

func (f *fakePipeline) Settings() config.Settings {
	return f.settings.Get()
}

func (f *fakePipeline) UpdateSettings(next config.Settings) (config.Settings, error) {
	return f.settings.Set(next)
}

func (f *fakePipeline) SetPaused(paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = paused
}

func (f *fakePipeline) Cancel(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if !f.active[path] {
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, path)
	}
	delete(f.active, path)
	f.cancelled = append(f.cancelled, path)
	return nil
}

func (f *fakePipeline) TriggerScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scanErr != nil {
		return f.scanErr
	}
	f.scans++
	return nil
}

func do(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Stats(t *testing.T) {
	srv := NewServer(newFakePipeline(t))

	rec := do(t, srv, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	for _, key := range []string{
		"cpu_usage", "memory_usage", "gpu_usage", "disk_usage", "queue_size", "is_paused",
		"dry_run", "total_saved_bytes", "total_conversions", "successful_conversions",
		"failed_conversions", "currently_converting",
	} {
		assert.Contains(t, payload, key)
	}
	assert.EqualValues(t, 800_000_000, payload["total_saved_bytes"])

	rec = do(t, srv, http.MethodPost, "/api/stats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_ConfigRoundTrip(t *testing.T) {
	p := newFakePipeline(t)
	srv := NewServer(p)

	rec := do(t, srv, http.MethodPost, "/api/config", `{"ffmpeg_crf": 30, "dry_run": false, "exclude_patterns": ["*.sample.*"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got config.Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 30, got.FFmpegCRF)
	assert.False(t, got.DryRun)
	assert.Equal(t, []string{"*.sample.*"}, got.ExcludePatterns)
	assert.Equal(t, "libx265", got.VideoCodec, "keys left out of the body keep their value")

	onDisk, err := config.LoadSettingsFile(p.settings.Path())
	require.NoError(t, err)
	assert.Equal(t, 30, onDisk.FFmpegCRF)
}

func TestServer_ConfigRejectsInvalid(t *testing.T) {
	p := newFakePipeline(t)
	srv := NewServer(p)

	rec := do(t, srv, http.MethodPost, "/api/config", `{"ffmpeg_crf": 70}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.Contains(t, resp.Fields, "ffmpeg_crf")
	assert.Equal(t, 26, p.Settings().FFmpegCRF)

	rec = do(t, srv, http.MethodPost, "/api/config", `{"ffmpeg_crf": 20, "no_such_key": 1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 26, p.Settings().FFmpegCRF)

	rec = do(t, srv, http.MethodPost, "/api/config", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Pause(t *testing.T) {
	p := newFakePipeline(t)
	srv := NewServer(p)

	rec := do(t, srv, http.MethodPost, "/api/pause", `{"paused": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.Snapshot().IsPaused)

	rec = do(t, srv, http.MethodPost, "/api/pause", `{"paused": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, p.Snapshot().IsPaused, "explicit value is not a toggle")

	rec = do(t, srv, http.MethodPost, "/api/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, p.Snapshot().IsPaused)

	rec = do(t, srv, http.MethodGet, "/api/pause", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Cancel(t *testing.T) {
	p := newFakePipeline(t)
	p.active["/media/movies/a.mkv"] = true
	srv := NewServer(p)

	rec := do(t, srv, http.MethodPost, "/api/cancel", `{"file_path": "/media/movies/a.mkv"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success"}`, rec.Body.String())
	assert.Equal(t, []string{"/media/movies/a.mkv"}, p.cancelled)

	rec = do(t, srv, http.MethodPost, "/api/cancel", `{"file_path": "/media/movies/a.mkv"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	rec = do(t, srv, http.MethodPost, "/api/cancel", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p.cancelErr = fmt.Errorf("%w: /media/movies/b.mkv", jobs.ErrFinishing)
	rec = do(t, srv, http.MethodPost, "/api/cancel", `{"file_path": "/media/movies/b.mkv"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already finishing")
}

func TestServer_History(t *testing.T) {
	p := newFakePipeline(t)
	p.records = []persistence.HistoryRecord{{
		ID:           1,
		FileName:     "a.mkv",
		MediaType:    library.MediaMovie,
		Status:       jobs.StateCompleted,
		OriginalSize: 100,
		NewSize:      60,
	}}
	srv := NewServer(p)

	rec := do(t, srv, http.MethodGet, "/api/history?limit=10&status=Failed&media_type=tv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	for _, key := range []string{"file_name", "media_type", "status", "original_size", "new_size", "timestamp"} {
		assert.Contains(t, records[0], key)
	}
	require.Len(t, p.filters, 1)
	assert.Equal(t, persistence.HistoryFilter{Status: jobs.StateFailed, MediaType: library.MediaTV, Limit: 10}, p.filters[0])

	rec = do(t, srv, http.MethodGet, "/api/history?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	p.records = nil
	rec = do(t, srv, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_Folders(t *testing.T) {
	p := newFakePipeline(t)
	root := p.Settings().ParentDirectory
	for _, name := range []string{"movies", "Music", ".hidden", "tv 10", "tv 9"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	srv := NewServer(p)

	rec := do(t, srv, http.MethodGet, "/api/folders", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp foldersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, root, resp.CurrentPath)
	assert.Equal(t, filepath.Dir(root), resp.ParentPath)

	names := make([]string, 0, len(resp.Folders))
	for _, f := range resp.Folders {
		names = append(names, f.Name)
		assert.Equal(t, filepath.Join(root, f.Name), f.Path)
	}
	assert.Equal(t, []string{"movies", "Music", "tv 9", "tv 10"}, names)

	rec = do(t, srv, http.MethodGet, "/api/folders?path="+filepath.Join(root, "movies"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Folders)

	rec = do(t, srv, http.MethodGet, "/api/folders?path="+filepath.Join(root, "missing"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/folders?path="+filepath.Join(root, "notes.txt"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/folders?path=relative/dir", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_FoldersAtFilesystemRoot(t *testing.T) {
	resp, err := listFolders(string(filepath.Separator))
	require.NoError(t, err)
	assert.Empty(t, resp.ParentPath)
}

func TestServer_Scan(t *testing.T) {
	p := newFakePipeline(t)
	srv := NewServer(p)

	rec := do(t, srv, http.MethodPost, "/api/scan", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, p.scans)

	p.scanErr = fmt.Errorf("%w: history store unavailable", jobs.ErrHalted)
	rec = do(t, srv, http.MethodPost, "/api/scan", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	p.scanErr = errors.New("pipeline is not running")
	rec = do(t, srv, http.MethodPost, "/api/scan", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	p := newFakePipeline(t)
	p.panicking = true
	srv := NewServer(p)

	rec := do(t, srv, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}

func TestServer_StatsStream(t *testing.T) {
	p := newFakePipeline(t)
	srv := NewServer(p, WithStreamInterval(10*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stats/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			return line
		}
	}
	decode := func(line string) pipeline.Snapshot {
		data, ok := strings.CutPrefix(line, "data: ")
		require.True(t, ok, "expected a data line, got %q", line)
		var snap pipeline.Snapshot
		require.NoError(t, json.Unmarshal([]byte(data), &snap))
		return snap
	}

	first := decode(next())
	assert.EqualValues(t, 3, first.TotalConversions)
	assert.False(t, first.IsPaused)

	// an unchanged snapshot is not resent, only kept alive
	assert.Equal(t, ": keepalive", next())

	p.SetPaused(true)
	var changed pipeline.Snapshot
	for {
		line := next()
		if line == ": keepalive" {
			continue
		}
		changed = decode(line)
		break
	}
	assert.True(t, changed.IsPaused)
}
