package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
	"github.com/MimeLyc/sizetrimmer/internal/media"
	"github.com/MimeLyc/sizetrimmer/internal/metrics"
	"github.com/MimeLyc/sizetrimmer/internal/persistence"
	"github.com/MimeLyc/sizetrimmer/pkg/icron"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

const (
	storeTimeout   = 5 * time.Second
	sampleInterval = 2 * time.Second
)

// History is the durable log of finished jobs.
type History interface {
	Append(ctx context.Context, rec persistence.HistoryRecord) (persistence.HistoryRecord, error)
	Query(ctx context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error)
	Aggregate(ctx context.Context) (persistence.Totals, error)
	LatestCompleted(ctx context.Context, path string) (persistence.HistoryRecord, bool, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Settings *config.SettingsStore
	History  History
	// JobStore keeps queued and running jobs across restarts. Optional.
	JobStore jobs.Store
	Prober   Prober
	Encoder  Encoder
	// Metrics is sampled in the background for snapshots. Optional.
	Metrics metrics.Provider
	// SettingsFault marks the settings file as unusable until a valid write
	// lands.
	SettingsFault error
}

type faultKind int

const (
	faultHistory faultKind = iota + 1
	faultSettings
)

type fault struct {
	kind faultKind
	err  error
}

type schedule struct {
	interval int
	expr     string
	id       cron.EntryID
}

type watch struct {
	root    string
	settle  time.Duration
	watcher *library.Watcher
	cancel  context.CancelFunc
}

// Coordinator owns the scan → queue → encode → history pipeline.
type Coordinator struct {
	settings *config.SettingsStore
	history  History
	prober   Prober
	encoder  Encoder

	queue   *jobs.Queue
	scanner *library.Scanner
	sampler *metrics.Sampler

	scans    singleflight.Group
	lastScan atomic.Pointer[time.Time]
	totals   atomic.Pointer[persistence.Totals]
	fault    atomic.Pointer[fault]

	cron     *cron.Cron
	cronMu   sync.Mutex
	schedule schedule

	watchMu sync.Mutex
	watch   watch

	applyMu sync.Mutex
	applied config.Settings

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	wg      sync.WaitGroup
}

func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Settings == nil {
		return nil, fmt.Errorf("settings store is required")
	}
	if deps.History == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if deps.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}

	c := &Coordinator{
		settings: deps.Settings,
		history:  deps.History,
		prober:   deps.Prober,
		encoder:  deps.Encoder,
		cron:     icron.New(),
		applied:  deps.Settings.Get(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if deps.SettingsFault != nil {
		c.setFault(faultSettings, deps.SettingsFault)
	}

	c.queue = jobs.NewQueue(deps.JobStore,
		jobs.WithRecorder(c.record),
		jobs.WithAdmissionGate(c.Fault),
		jobs.WithConcurrency(c.applied.MaxConcurrentEncodes),
	)
	scannerOpts := []library.Option{
		library.WithActiveCheck(c.queue.IsActive),
		library.WithProcessedCheck(c.processed),
	}
	if c.prober != nil {
		scannerOpts = append(scannerOpts, library.WithOptimizedCheck(c.optimized))
	}
	c.scanner = library.NewScanner(scannerOpts...)

	if deps.Metrics != nil {
		c.sampler = metrics.NewSampler(deps.Metrics, sampleInterval, func() string {
			return c.settings.Get().ParentDirectory
		})
	}

	c.settings.Subscribe(c.apply)
	c.refreshTotals(context.Background())
	return c, nil
}

// Start launches the worker pool, the scan schedule and the file watcher,
// then runs a first scan in the background.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	stop := context.AfterFunc(ctx, c.cancel)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-c.ctx.Done()
		stop()
	}()

	if err := c.queue.Replay(); err != nil {
		c.setFault(faultHistory, err)
	}
	c.queue.Start(c.convert)

	settings := c.settings.Get()
	c.syncSchedule(settings)
	c.syncWatcher(settings)
	c.cron.Start()

	if c.sampler != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sampler.Run(c.ctx)
		}()
	}

	c.scanAsync()
	log.Info("Pipeline started (dry_run=%t, concurrency=%d)", settings.DryRun, settings.MaxConcurrentEncodes)
	return nil
}

// Stop halts scanning and interrupts running encodes. Interrupted jobs stay
// persisted and start over on the next run.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()

	c.watchMu.Lock()
	c.stopWatchLocked()
	c.watchMu.Unlock()

	c.queue.Stop()
	c.wg.Wait()
	log.Info("Pipeline stopped")
}

// Scan walks the media root and admits every candidate. Concurrent calls
// share one walk.
func (c *Coordinator) Scan(ctx context.Context) (int, error) {
	v, err, _ := c.scans.Do("scan", func() (any, error) {
		return c.scan(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (c *Coordinator) scan(ctx context.Context) (int, error) {
	if err := c.Fault(); err != nil {
		return 0, fmt.Errorf("%w: %v", jobs.ErrHalted, err)
	}
	settings := c.settings.Get()
	if settings.ParentDirectory == "" {
		log.Debug("No parent directory configured, skipping scan")
		return 0, nil
	}

	begin := time.Now()
	c.lastScan.Store(&begin)
	log.Info("Scanning %s", settings.ParentDirectory)

	admitted := 0
	for cand := range c.scanner.Scan(ctx, settings.ParentDirectory, settings) {
		err := c.admit(cand, settings)
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, jobs.ErrDuplicate):
		case errors.Is(err, jobs.ErrOutputClaimed):
			log.Info("Deferred %s to a later scan: %v", cand.Path, err)
		case errors.Is(err, jobs.ErrHalted):
			return admitted, err
		default:
			log.Warn("Failed to admit %s: %v", cand.Path, err)
		}
	}
	log.Info("Scan of %s admitted %d files in %s", settings.ParentDirectory, admitted, time.Since(begin).Round(time.Millisecond))
	return admitted, ctx.Err()
}

// TriggerScan starts a scan in the background and returns at once.
func (c *Coordinator) TriggerScan() error {
	if !c.started.Load() || c.ctx.Err() != nil {
		return fmt.Errorf("pipeline is not running")
	}
	if err := c.Fault(); err != nil {
		return fmt.Errorf("%w: %v", jobs.ErrHalted, err)
	}
	c.scanAsync()
	return nil
}

func (c *Coordinator) scanAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Scan(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scan failed: %v", err)
		}
	}()
}

// Admit runs the scanner's filter on a single path and enqueues it when it
// qualifies.
func (c *Coordinator) Admit(ctx context.Context, path string) (bool, error) {
	settings := c.settings.Get()
	cand, ok := c.scanner.Evaluate(ctx, path, settings)
	if !ok {
		return false, nil
	}
	if err := c.admit(cand, settings); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Coordinator) admit(cand library.Candidate, settings config.Settings) error {
	tmp, final := media.OutputPaths(cand.Path, cand.MediaType, settings)
	job, err := c.queue.Enqueue(jobs.EnqueueRequest{
		FilePath:     cand.Path,
		MediaType:    cand.MediaType,
		Settings:     settings,
		OriginalSize: cand.Size,
		TempPath:     tmp,
		OutputPath:   final,
	})
	if err != nil {
		return err
	}
	log.Info("Queued %s (%s)", job.FilePath, job.MediaType)
	return nil
}

func (c *Coordinator) Pause() {
	c.queue.Pause()
}

func (c *Coordinator) Resume() {
	c.queue.Resume()
}

func (c *Coordinator) SetPaused(paused bool) {
	c.queue.SetPaused(paused)
	log.Info("Pipeline paused=%t", paused)
}

func (c *Coordinator) Cancel(path string) error {
	return c.queue.Cancel(path)
}

func (c *Coordinator) History(ctx context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error) {
	return c.history.Query(ctx, filter)
}

func (c *Coordinator) Settings() config.Settings {
	return c.settings.Get()
}

// UpdateSettings validates, persists and applies next. A successful write
// also clears a settings fault.
func (c *Coordinator) UpdateSettings(next config.Settings) (config.Settings, error) {
	saved, err := c.settings.Set(next)
	if err != nil {
		return config.Settings{}, err
	}
	c.clearFault(faultSettings)
	return saved, nil
}

// apply reacts to a settings change.
func (c *Coordinator) apply(next config.Settings) {
	c.applyMu.Lock()
	prev := c.applied
	c.applied = next
	c.applyMu.Unlock()

	c.queue.SetConcurrency(next.MaxConcurrentEncodes)
	if !c.started.Load() || c.ctx.Err() != nil {
		return
	}
	c.syncSchedule(next)
	c.syncWatcher(next)
	if rescanNeeded(prev, next) {
		c.scanAsync()
	}
}

func rescanNeeded(prev, next config.Settings) bool {
	return prev.ParentDirectory != next.ParentDirectory ||
		prev.Fingerprint() != next.Fingerprint() ||
		!slices.Equal(prev.ExcludePatterns, next.ExcludePatterns) ||
		!slices.Equal(prev.TVShowKeywords, next.TVShowKeywords) ||
		!slices.Equal(prev.MovieKeywords, next.MovieKeywords) ||
		prev.ReplaceOriginal != next.ReplaceOriginal
}

func (c *Coordinator) syncSchedule(s config.Settings) {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if s.ScanIntervalSeconds == c.schedule.interval && (c.schedule.id != 0 || s.ScanIntervalSeconds == 0) {
		return
	}
	if c.schedule.id != 0 {
		c.cron.Remove(c.schedule.id)
	}
	c.schedule = schedule{interval: s.ScanIntervalSeconds}
	if s.ScanIntervalSeconds <= 0 {
		log.Info("Periodic scans disabled")
		return
	}

	expr := icron.Every(time.Duration(s.ScanIntervalSeconds) * time.Second)
	id, err := c.cron.AddFunc(expr, func() {
		if _, err := c.Scan(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Scheduled scan failed: %v", err)
		}
	})
	if err != nil {
		log.Error("Failed to schedule scans with %q: %v", expr, err)
		return
	}
	c.schedule.expr = expr
	c.schedule.id = id
	log.Info("Scheduled scans %s", expr)
}

func (c *Coordinator) nextScan() (time.Time, bool) {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.schedule.id == 0 {
		return time.Time{}, false
	}
	if next := c.cron.Entry(c.schedule.id).Next; !next.IsZero() {
		return next, true
	}
	info, err := icron.GetTriggerInfo(c.schedule.expr, time.Now())
	if err != nil {
		return time.Time{}, false
	}
	return info.Next, true
}

func (c *Coordinator) syncWatcher(s config.Settings) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	enabled := s.WatchForChanges && s.ParentDirectory != ""
	settle := time.Duration(s.MinFileAgeSeconds)*time.Second + time.Second
	if enabled && c.watch.watcher != nil && c.watch.root == s.ParentDirectory && c.watch.settle == settle {
		return
	}
	c.stopWatchLocked()
	if !enabled {
		return
	}

	w, err := library.NewWatcher(s.ParentDirectory, settle, c.onWatchedFile)
	if err != nil {
		log.Warn("Failed to watch %s: %v", s.ParentDirectory, err)
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.watch = watch{root: s.ParentDirectory, settle: settle, watcher: w, cancel: cancel}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.Run(ctx)
	}()
	log.Info("Watching %s for new files", s.ParentDirectory)
}

func (c *Coordinator) stopWatchLocked() {
	if c.watch.watcher == nil {
		return
	}
	c.watch.cancel()
	if err := c.watch.watcher.Close(); err != nil {
		log.Warn("Failed to close watcher: %v", err)
	}
	c.watch = watch{}
}

func (c *Coordinator) onWatchedFile(path string) {
	if c.ctx.Err() != nil {
		return
	}
	_, err := c.Admit(c.ctx, path)
	switch {
	case err == nil, errors.Is(err, jobs.ErrDuplicate):
	case errors.Is(err, jobs.ErrOutputClaimed):
		log.Info("Deferred watched file %s to the next scan: %v", path, err)
	default:
		log.Warn("Failed to admit watched file %s: %v", path, err)
	}
}

// processed reports whether path was completed under the same settings and
// has not changed size since.
func (c *Coordinator) processed(ctx context.Context, path string, size int64, fingerprint string) bool {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec, found, err := c.history.LatestCompleted(ctx, path)
	if err != nil {
		log.Warn("Failed to look up history for %s: %v", path, err)
		return false
	}
	if !found || rec.SettingsHash != fingerprint {
		return false
	}
	return (rec.OutputPath == path && rec.NewSize == size) ||
		(rec.SourcePath == path && rec.OriginalSize == size)
}

func (c *Coordinator) optimized(ctx context.Context, path string, mediaType library.MediaType, settings config.Settings) (bool, error) {
	probe, err := c.prober.Probe(ctx, path)
	if err != nil {
		return false, err
	}
	return media.IsOptimized(probe, path, mediaType, settings), nil
}

// record appends the terminal job to history. A failed append halts
// admissions; the queue keeps the job and replays it once the store answers
// again.
func (c *Coordinator) record(job *jobs.Job) error {
	rec := persistence.HistoryRecord{
		SourcePath:   job.FilePath,
		OutputPath:   job.FilePath,
		MediaType:    job.MediaType,
		Status:       job.State,
		DryRun:       job.Settings.DryRun,
		OriginalSize: job.OriginalSize,
		NewSize:      job.NewSize,
		ErrorMsg:     job.Error,
		SettingsHash: job.Settings.Fingerprint(),
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.State == jobs.StateCompleted && job.OutputPath != "" {
		rec.OutputPath = job.OutputPath
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = job.FinishedAt
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := c.history.Append(ctx, rec); err != nil {
		log.Error("Failed to record %s in history: %v", job.FilePath, err)
		c.setFault(faultHistory, err)
		return err
	}
	c.refreshTotals(ctx)
	return nil
}

func (c *Coordinator) refreshTotals(ctx context.Context) {
	totals, err := c.history.Aggregate(ctx)
	if err != nil {
		log.Warn("Failed to aggregate history: %v", err)
		return
	}
	c.totals.Store(&totals)
}

// Fault returns the process-fatal condition that halts admissions, or nil.
// A history fault clears itself once the store answers a ping and every
// deferred outcome made it into history.
func (c *Coordinator) Fault() error {
	f := c.fault.Load()
	if f == nil {
		return nil
	}
	if f.kind == faultHistory && c.historyRecovered() {
		if c.fault.CompareAndSwap(f, nil) {
			log.Info("History store recovered, admissions resumed")
		}
		return c.Fault()
	}
	return f.err
}

func (c *Coordinator) historyRecovered() bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.history.Ping(ctx); err != nil {
		return false
	}
	return c.queue.Replay() == nil
}

func (c *Coordinator) setFault(kind faultKind, err error) {
	c.fault.Store(&fault{kind: kind, err: NewErrorWithCause(ErrFatal, "admissions halted", err)})
	log.Error("Admissions halted: %v", err)
}

func (c *Coordinator) clearFault(kind faultKind) {
	f := c.fault.Load()
	if f != nil && f.kind == kind && c.fault.CompareAndSwap(f, nil) {
		log.Info("Settings fault cleared, admissions resumed")
	}
}
