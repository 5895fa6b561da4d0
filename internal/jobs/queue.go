package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/sizetrimmer/pkg/file"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

var (
	ErrDuplicate     = errors.New("file is already queued or running")
	ErrOutputClaimed = errors.New("output path is claimed by another job")
	ErrNotFound      = errors.New("no queued or running job")
	ErrFinishing     = errors.New("job is already finishing")
	ErrHalted        = errors.New("admissions halted")
)

// Executor performs one job. It must return once ctx is cancelled, reporting
// progress in percent through progress. Before an irreversible step it calls
// Queue.Commit and backs out when that fails.
type Executor func(ctx context.Context, job *Job, progress func(pct float64)) (Result, error)

// Recorder receives every terminal job. The job's persisted row is kept until
// the recorder returns nil; failed jobs are handed over again by Replay.
type Recorder func(job *Job) error

type Option func(*Queue)

func WithRecorder(r Recorder) Option {
	return func(q *Queue) {
		q.recorder = r
	}
}

// WithAdmissionGate makes Enqueue fail with ErrHalted while gate returns an error.
func WithAdmissionGate(gate func() error) Option {
	return func(q *Queue) {
		q.gate = gate
	}
}

func WithConcurrency(n int) Option {
	return func(q *Queue) {
		q.concurrency = n
	}
}

type entry struct {
	job             *Job
	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	committed       bool
}

// Queue is a FIFO of conversion jobs with at most one active job per file
// path, plus the worker pool that drains it.
type Queue struct {
	store    Store
	recorder Recorder
	gate     func() error

	mu          sync.Mutex
	entries     map[string]*entry
	byPath      map[string]string
	byOutput    map[string]string
	pending     []string
	unrecorded  []*Job
	paused      bool
	concurrency int
	running     int
	started     bool
	stopping    bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	view atomic.Pointer[View]
}

func NewQueue(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:       store,
		entries:     make(map[string]*entry),
		byPath:      make(map[string]string),
		byOutput:    make(map[string]string),
		concurrency: 1,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.concurrency < 1 {
		q.concurrency = 1
	}

	q.mu.Lock()
	q.hydrateLocked(context.Background())
	q.publishLocked()
	q.mu.Unlock()
	return q
}

func (q *Queue) Enqueue(req EnqueueRequest) (*Job, error) {
	if strings.TrimSpace(req.FilePath) == "" {
		return nil, fmt.Errorf("file path is required")
	}
	if q.gate != nil {
		if err := q.gate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHalted, err)
		}
	}

	q.mu.Lock()
	if _, ok := q.byPath[req.FilePath]; ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.FilePath)
	}
	if err := q.outputConflictLocked(req.FilePath, req.OutputPath); err != nil {
		q.mu.Unlock()
		return nil, err
	}

	job := &Job{
		ID:           uuid.NewString(),
		FilePath:     req.FilePath,
		MediaType:    req.MediaType,
		Settings:     req.Settings.Clone(),
		State:        StateQueued,
		OriginalSize: req.OriginalSize,
		TempPath:     req.TempPath,
		OutputPath:   req.OutputPath,
		CreatedAt:    time.Now(),
	}
	q.trackLocked(job)
	q.persistLocked(job)
	q.publishLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.signal()
	return snapshot, nil
}

// Dequeue claims the oldest queued job and marks it running. It yields
// nothing while the queue is paused.
func (q *Queue) Dequeue() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.dequeueLocked()
	if e == nil {
		return nil, false
	}
	return cloneJob(e.job), true
}

func (q *Queue) dequeueLocked() *entry {
	if q.paused || len(q.pending) == 0 {
		return nil
	}
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]

	e := q.entries[id]
	e.job.State = StateRunning
	e.job.Progress = 0
	e.job.StartedAt = time.Now()
	e.ctx, e.cancel = context.WithCancel(context.Background())
	q.running++
	q.persistLocked(e.job)
	q.publishLocked()
	return e
}

// Complete moves a running job to its terminal state. A cancel that landed
// before Commit wins over the executor's result.
func (q *Queue) Complete(id string, res Result, err error) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.job.State != StateRunning {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.cancel != nil {
		e.cancel()
	}

	var state State
	var msg string
	switch {
	case e.cancelRequested:
		state = StateCancelled
		e.job.NewSize = e.job.OriginalSize
	case err == nil:
		state = StateCompleted
		e.job.NewSize = res.NewSize
		e.job.Progress = 100
		if res.OutputPath != "" {
			e.job.OutputPath = res.OutputPath
		}
	case q.stopping:
		// Interrupted by shutdown. The persisted row stays running and is
		// requeued on the next start.
		q.forgetLocked(e)
		q.running--
		q.publishLocked()
		q.mu.Unlock()
		log.Info("Interrupted %s by shutdown", e.job.FilePath)
		return nil
	default:
		state = StateFailed
		msg = err.Error()
		e.job.NewSize = e.job.OriginalSize
	}

	job := q.finishLocked(e, state, msg)
	q.mu.Unlock()

	q.record(job)
	q.signal()
	return nil
}

// Commit marks the point after which a running job can no longer be
// cancelled. It fails when a cancel or shutdown got there first.
func (q *Queue) Commit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.job.State != StateRunning {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.cancelRequested || q.stopping {
		return context.Canceled
	}
	e.committed = true
	return nil
}

// Cancel removes a queued job at once. A running job is signalled and turns
// Cancelled when its executor returns, unless it already committed.
func (q *Queue) Cancel(path string) error {
	q.mu.Lock()
	id, ok := q.byPath[path]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	e := q.entries[id]

	if e.committed {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFinishing, path)
	}
	if e.job.State == StateRunning {
		e.cancelRequested = true
		cancel := e.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		log.Info("Cancelling running job for %s", path)
		return nil
	}

	q.removePendingLocked(id)
	e.job.NewSize = e.job.OriginalSize
	job := q.finishLocked(e, StateCancelled, "")
	q.mu.Unlock()

	q.record(job)
	return nil
}

func (q *Queue) IsActive(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPath[path]
	return ok
}

// UpdateProgress raises a running job's progress. Values that would lower it,
// or are not numbers, are dropped.
func (q *Queue) UpdateProgress(id string, pct float64) bool {
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return false
	}
	pct = math.Max(0, math.Min(100, pct))

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.job.State != StateRunning || pct <= e.job.Progress {
		return false
	}
	e.job.Progress = pct
	q.publishLocked()
	return true
}

func (q *Queue) Pause() {
	q.SetPaused(true)
}

func (q *Queue) Resume() {
	q.SetPaused(false)
}

// SetPaused closes or opens the admission gate. Running jobs are never touched.
func (q *Queue) SetPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.publishLocked()
	q.mu.Unlock()
	if !paused {
		q.signal()
	}
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SetConcurrency resizes the pool. Shrinking lets running jobs finish.
func (q *Queue) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	q.concurrency = n
	q.publishLocked()
	q.mu.Unlock()
	q.signal()
}

// View returns the last published state without taking the queue lock.
func (q *Queue) View() View {
	v := q.view.Load()
	if v == nil {
		return View{}
	}
	out := *v
	out.Running = make([]*Job, 0, len(v.Running))
	for _, job := range v.Running {
		out.Running = append(out.Running, cloneJob(job))
	}
	return out
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(exec)
	q.signal()
}

// Stop cancels running jobs without recording them and waits for the pool
// to drain. Their persisted rows are requeued on the next start.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		for _, e := range q.entries {
			if e.cancel != nil {
				e.cancel()
			}
		}
		q.mu.Unlock()

		close(q.stopCh)
		q.wg.Wait()
	})
}

func (q *Queue) dispatch(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}

		for {
			job, ctx, ok := q.claim()
			if !ok {
				break
			}
			q.wg.Add(1)
			go q.run(exec, ctx, job)
		}
	}
}

func (q *Queue) claim() (*Job, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping || q.running >= q.concurrency {
		return nil, nil, false
	}
	e := q.dequeueLocked()
	if e == nil {
		return nil, nil, false
	}
	return cloneJob(e.job), e.ctx, true
}

func (q *Queue) run(exec Executor, ctx context.Context, job *Job) {
	defer q.wg.Done()

	res, err := q.execute(exec, ctx, job)
	if cerr := q.Complete(job.ID, res, err); cerr != nil {
		log.Warn("Failed to complete job %s: %v", job.ID, cerr)
	}
}

func (q *Queue) execute(exec Executor, ctx context.Context, job *Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, job, func(pct float64) {
		q.UpdateProgress(job.ID, pct)
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) record(job *Job) {
	log.Info("Job for %s finished: %s", job.FilePath, job.State)
	if q.recorder != nil {
		if err := q.recorder(job); err != nil {
			log.Warn("Recording of %s deferred: %v", job.FilePath, err)
			q.mu.Lock()
			q.unrecorded = append(q.unrecorded, job)
			q.mu.Unlock()
			return
		}
	}
	q.mu.Lock()
	q.deleteLocked(job.ID)
	q.mu.Unlock()
}

// Replay hands every finished job the recorder has not accepted yet back to
// it, oldest first. It returns the first recorder error; those jobs stay
// pending.
func (q *Queue) Replay() error {
	q.mu.Lock()
	pending := q.unrecorded
	q.unrecorded = nil
	q.mu.Unlock()
	if len(pending) == 0 || q.recorder == nil {
		return nil
	}

	var failed []*Job
	var firstErr error
	for _, job := range pending {
		if firstErr != nil {
			failed = append(failed, job)
			continue
		}
		if err := q.recorder(job); err != nil {
			firstErr = err
			failed = append(failed, job)
			continue
		}
		log.Info("Recorded deferred outcome of %s: %s", job.FilePath, job.State)
		q.mu.Lock()
		q.deleteLocked(job.ID)
		q.mu.Unlock()
	}

	if len(failed) > 0 {
		q.mu.Lock()
		q.unrecorded = append(failed, q.unrecorded...)
		q.mu.Unlock()
	}
	return firstErr
}

// Unrecorded returns how many finished jobs wait for the recorder.
func (q *Queue) Unrecorded() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unrecorded)
}

func (q *Queue) finishLocked(e *entry, state State, msg string) *Job {
	if e.job.State == StateRunning {
		q.running--
	}
	e.job.State = state
	e.job.Error = msg
	e.job.FinishedAt = time.Now()
	q.forgetLocked(e)
	// the terminal row stays until the recorder accepted it
	q.persistLocked(e.job)
	q.publishLocked()
	return cloneJob(e.job)
}

func (q *Queue) deleteLocked(id string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteJob(context.Background(), id); err != nil {
		log.Error("Failed to delete job %s from store: %v", id, err)
	}
}

func (q *Queue) trackLocked(job *Job) {
	q.entries[job.ID] = &entry{job: job}
	q.byPath[job.FilePath] = job.ID
	if job.OutputPath != "" {
		q.byOutput[job.OutputPath] = job.ID
	}
	q.pending = append(q.pending, job.ID)
}

func (q *Queue) forgetLocked(e *entry) {
	delete(q.entries, e.job.ID)
	if id, ok := q.byPath[e.job.FilePath]; ok && id == e.job.ID {
		delete(q.byPath, e.job.FilePath)
	}
	if id, ok := q.byOutput[e.job.OutputPath]; ok && id == e.job.ID {
		delete(q.byOutput, e.job.OutputPath)
	}
}

// outputConflictLocked rejects a job whose output another active job writes
// or reads, or whose source another active job writes.
func (q *Queue) outputConflictLocked(src, out string) error {
	if _, ok := q.byOutput[src]; ok {
		return fmt.Errorf("%w: %s", ErrOutputClaimed, src)
	}
	if out == "" {
		return nil
	}
	if _, ok := q.byOutput[out]; ok {
		return fmt.Errorf("%w: %s", ErrOutputClaimed, out)
	}
	if _, ok := q.byPath[out]; ok && out != src {
		return fmt.Errorf("%w: %s", ErrOutputClaimed, out)
	}
	return nil
}

func (q *Queue) removePendingLocked(id string) {
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

func (q *Queue) publishLocked() {
	v := &View{
		QueueDepth:  len(q.pending),
		Paused:      q.paused,
		Concurrency: q.concurrency,
		Running:     make([]*Job, 0, q.running),
	}
	for _, e := range q.entries {
		if e.job.State == StateRunning {
			v.Running = append(v.Running, cloneJob(e.job))
		}
	}
	sort.Slice(v.Running, func(i, j int) bool {
		return v.Running[i].StartedAt.Before(v.Running[j].StartedAt)
	})
	q.view.Store(v)
}

// hydrateLocked restores persisted jobs in admission order. Jobs that were
// running when the process died start over from scratch; finished jobs that
// never reached the recorder wait for Replay.
func (q *Queue) hydrateLocked(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})

	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.State.Terminal() {
			q.unrecorded = append(q.unrecorded, job)
			continue
		}
		if _, dup := q.byPath[job.FilePath]; dup || q.outputConflictLocked(job.FilePath, job.OutputPath) != nil {
			if err := q.store.DeleteJob(ctx, job.ID); err != nil {
				log.Error("Failed to delete stale job %s: %v", job.ID, err)
			}
			continue
		}
		if job.State == StateRunning {
			job.State = StateQueued
			job.Progress = 0
			job.StartedAt = time.Time{}
			removeStaleOutput(job.TempPath)
			q.persistLocked(job)
			log.Info("Requeued interrupted job for %s", job.FilePath)
		}
		q.trackLocked(job)
	}
}

func removeStaleOutput(path string) {
	if err := file.RemoveIfExists(path); err != nil {
		log.Warn("Failed to remove stale output %s: %v", path, err)
	}
}

// persistLocked writes under the queue lock so a late write can never
// resurrect a row that a faster terminal transition already deleted.
func (q *Queue) persistLocked(job *Job) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), cloneJob(job)); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}
