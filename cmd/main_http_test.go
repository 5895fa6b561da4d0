package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/sizetrimmer/internal/config"
)

type fakePipeline struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (f *fakePipeline) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakePipeline) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

type fakeHTTP struct {
	listenCalled chan struct{}
	listenErr    error
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func newFakeHTTP() *fakeHTTP {
	return &fakeHTTP{
		listenCalled: make(chan struct{}),
		shutdownCh:   make(chan struct{}),
	}
}

func (f *fakeHTTP) ListenAndServe(string) error {
	close(f.listenCalled)
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.shutdownCh
	return http.ErrServerClosed
}

func (f *fakeHTTP) Shutdown(context.Context) error {
	f.shutdownOnce.Do(func() { close(f.shutdownCh) })
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			Addr:      "127.0.0.1:0",
			UIEnabled: true,
		},
	}
}

func TestMain_StartsPipelineAndHTTP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := &fakePipeline{}
	httpSrv := newFakeHTTP()

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- runWithComponents(ctx, testConfig(), pipe, httpSrv)
	}()

	select {
	case <-httpSrv.listenCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("http server did not start")
	}

	cancel()

	select {
	case err := <-doneCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runWithComponents did not exit after cancellation")
	}

	assert.True(t, pipe.started)
	assert.True(t, pipe.stopped)
}

func TestMain_ListenFailureStopsPipeline(t *testing.T) {
	pipe := &fakePipeline{}
	httpSrv := newFakeHTTP()
	httpSrv.listenErr = errors.New("address already in use")

	err := runWithComponents(context.Background(), testConfig(), pipe, httpSrv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address already in use")
	assert.True(t, pipe.stopped)
}

func TestMain_PipelineStartFailure(t *testing.T) {
	pipe := &fakePipeline{startErr: errors.New("boom")}
	httpSrv := newFakeHTTP()

	err := runWithComponents(context.Background(), testConfig(), pipe, httpSrv)
	require.Error(t, err)
	select {
	case <-httpSrv.listenCalled:
		t.Fatal("http server must not start without a pipeline")
	default:
	}
}

func TestLoadSettings(t *testing.T) {
	t.Run("missing file is seeded with defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		settings, err := loadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultSettings(), settings)
		assert.FileExists(t, path)
	})

	t.Run("corrupt file is a fault", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		settings, err := loadSettings(path)
		require.ErrorIs(t, err, config.ErrCorruptSettings)
		assert.Equal(t, config.DefaultSettings(), settings)
	})

	t.Run("partial file keeps defaults for missing keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"ffmpeg_crf": 30}`), 0o600))
		settings, err := loadSettings(path)
		require.NoError(t, err)
		assert.Equal(t, 30, settings.FFmpegCRF)
		assert.Equal(t, "libx265", settings.VideoCodec)
	})
}
