package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/library"
)

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*Job)}
}

func (m *memoryStore) LoadJobs(_ context.Context) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		ret = append(ret, cloneJob(j))
	}
	return ret, nil
}

func (m *memoryStore) UpsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memoryStore) get(id string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	return cloneJob(j), ok
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func TestQueue_RecoversQueuedAndRunningJobsFromStore(t *testing.T) {
	dir := t.TempDir()
	staleTemp := filepath.Join(dir, "ep2.tmp.mkv")
	require.NoError(t, os.WriteFile(staleTemp, []byte("partial"), 0o644))

	store := newMemoryStore()
	now := time.Now()
	store.jobs["job-1"] = &Job{
		ID:        "job-1",
		FilePath:  "/media/tv/ep1.mkv",
		MediaType: library.MediaTV,
		Settings:  config.DefaultSettings(),
		State:     StateQueued,
		CreatedAt: now.Add(-2 * time.Minute),
	}
	store.jobs["job-2"] = &Job{
		ID:        "job-2",
		FilePath:  "/media/tv/ep2.mkv",
		MediaType: library.MediaTV,
		Settings:  config.DefaultSettings(),
		State:     StateRunning,
		Progress:  63,
		TempPath:  staleTemp,
		CreatedAt: now.Add(-time.Minute),
		StartedAt: now,
	}

	rec := &recorder{}
	q := NewQueue(store, WithRecorder(rec.record))

	assert.Equal(t, 2, q.View().QueueDepth)
	assert.True(t, q.IsActive("/media/tv/ep1.mkv"))
	assert.True(t, q.IsActive("/media/tv/ep2.mkv"))

	_, err := os.Stat(staleTemp)
	assert.True(t, os.IsNotExist(err), "stale temp output should be removed")

	persisted, ok := store.get("job-2")
	require.True(t, ok)
	assert.Equal(t, StateQueued, persisted.State)
	assert.Equal(t, float64(0), persisted.Progress)

	var order []string
	var mu sync.Mutex
	q.Start(func(_ context.Context, job *Job, _ func(float64)) (Result, error) {
		mu.Lock()
		order = append(order, job.FilePath)
		mu.Unlock()
		return Result{NewSize: 1}, nil
	})
	defer q.Stop()

	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"/media/tv/ep1.mkv", "/media/tv/ep2.mkv"}, order)
	mu.Unlock()
	require.Eventually(t, func() bool { return store.len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueue_PersistsLifecycle(t *testing.T) {
	store := newMemoryStore()
	q := NewQueue(store)

	job, err := q.Enqueue(request("/m/a.mkv"))
	require.NoError(t, err)
	got, ok := store.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateQueued, got.State)

	_, ok = q.Dequeue()
	require.True(t, ok)
	got, ok = store.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, got.State)

	require.NoError(t, q.Complete(job.ID, Result{NewSize: 10}, nil))
	_, ok = store.get(job.ID)
	assert.False(t, ok)
}

func TestQueue_StopLeavesRunningJobForRestart(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	q := NewQueue(store, WithRecorder(rec.record))

	started := make(chan struct{})
	q.Start(func(ctx context.Context, _ *Job, _ func(float64)) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})

	job, err := q.Enqueue(request("/m/long.mkv"))
	require.NoError(t, err)
	<-started
	q.Stop()

	assert.Zero(t, rec.count(), "interrupted jobs are not terminal")
	persisted, ok := store.get(job.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, persisted.State)

	restarted := NewQueue(store)
	assert.Equal(t, 1, restarted.View().QueueDepth)
	assert.True(t, restarted.IsActive("/m/long.mkv"))
}

func TestQueue_HydrationDropsDuplicatePaths(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.jobs["a"] = &Job{ID: "a", FilePath: "/m/x.mkv", State: StateQueued, CreatedAt: now}
	store.jobs["b"] = &Job{ID: "b", FilePath: "/m/x.mkv", State: StateQueued, CreatedAt: now.Add(time.Second)}

	q := NewQueue(store)
	assert.Equal(t, 1, q.View().QueueDepth)
	assert.Equal(t, 1, store.len())
	_, ok := store.get("a")
	assert.True(t, ok)
}

func TestQueue_FailedRecordKeepsOutcomeUntilReplay(t *testing.T) {
	store := newMemoryStore()
	rec := &recorder{}
	rec.fail(errors.New("database is locked"))
	q := NewQueue(store, WithRecorder(rec.record))

	job, err := q.Enqueue(request("/m/a.mkv"))
	require.NoError(t, err)
	_, ok := q.Dequeue()
	require.True(t, ok)
	require.NoError(t, q.Complete(job.ID, Result{NewSize: 600, OutputPath: "/m/a.mkv"}, nil))

	assert.False(t, q.IsActive("/m/a.mkv"))
	assert.Equal(t, 1, q.Unrecorded())
	kept, ok := store.get(job.ID)
	require.True(t, ok, "outcome must survive a failed record")
	assert.Equal(t, StateCompleted, kept.State)
	assert.Equal(t, int64(600), kept.NewSize)

	assert.Error(t, q.Replay())
	assert.Equal(t, 1, q.Unrecorded())

	rec.fail(nil)
	require.NoError(t, q.Replay())
	assert.Zero(t, q.Unrecorded())
	require.Equal(t, 1, rec.count())
	assert.Equal(t, StateCompleted, rec.all()[0].State)
	assert.Equal(t, int64(600), rec.all()[0].NewSize)
	assert.Zero(t, store.len())
}

func TestQueue_HydrationDefersFinishedJobs(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.jobs["done"] = &Job{
		ID:           "done",
		FilePath:     "/m/a.avi",
		MediaType:    library.MediaMovie,
		Settings:     config.DefaultSettings(),
		State:        StateCompleted,
		OriginalSize: 1000,
		NewSize:      400,
		OutputPath:   "/m/a.mkv",
		CreatedAt:    now.Add(-time.Hour),
		FinishedAt:   now,
	}

	rec := &recorder{}
	q := NewQueue(store, WithRecorder(rec.record))
	assert.Zero(t, q.View().QueueDepth)
	assert.False(t, q.IsActive("/m/a.avi"))
	assert.Equal(t, 1, q.Unrecorded())
	assert.Zero(t, rec.count(), "nothing is recorded before Replay")

	require.NoError(t, q.Replay())
	require.Equal(t, 1, rec.count())
	got := rec.all()[0]
	assert.Equal(t, "/m/a.mkv", got.OutputPath)
	assert.Equal(t, int64(400), got.NewSize)
	assert.Zero(t, store.len())
}
