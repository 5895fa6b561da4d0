package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
	"github.com/MimeLyc/sizetrimmer/internal/metrics"
)

// RunningJob is one entry of the dashboard's "currently converting" list.
type RunningJob struct {
	File       string            `json:"file"`
	FilePath   string            `json:"file_path"`
	Type       library.MediaType `json:"type"`
	Progress   float64           `json:"progress"`
	Codec      string            `json:"codec,omitempty"`
	Quality    string            `json:"quality,omitempty"`
	Resolution string            `json:"resolution,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// Snapshot is a point-in-time view of the pipeline. Building one never waits
// on an encode.
type Snapshot struct {
	metrics.Usage

	QueueSize   int  `json:"queue_size"`
	IsPaused    bool `json:"is_paused"`
	DryRun      bool `json:"dry_run"`
	Concurrency int  `json:"max_concurrent_encodes"`

	TotalSavedBytes       int64 `json:"total_saved_bytes"`
	TotalConversions      int64 `json:"total_conversions"`
	SuccessfulConversions int64 `json:"successful_conversions"`
	FailedConversions     int64 `json:"failed_conversions"`
	CancelledConversions  int64 `json:"cancelled_conversions"`

	CurrentlyConverting []RunningJob `json:"currently_converting"`

	LastScanAt *time.Time `json:"last_scan_at,omitempty"`
	NextScanAt *time.Time `json:"next_scan_at,omitempty"`
	Fault      string     `json:"fault,omitempty"`
}

func (c *Coordinator) Snapshot() Snapshot {
	view := c.queue.View()
	settings := c.settings.Get()

	snap := Snapshot{
		QueueSize:           view.QueueDepth,
		IsPaused:            view.Paused,
		DryRun:              settings.DryRun,
		Concurrency:         view.Concurrency,
		CurrentlyConverting: make([]RunningJob, 0, len(view.Running)),
	}
	if c.sampler != nil {
		snap.Usage = c.sampler.Latest()
	}
	if totals := c.totals.Load(); totals != nil {
		snap.TotalSavedBytes = totals.BytesSaved
		snap.TotalConversions = totals.Total
		snap.SuccessfulConversions = totals.Successful
		snap.FailedConversions = totals.Failed
		snap.CancelledConversions = totals.Cancelled
	}
	for _, job := range view.Running {
		snap.CurrentlyConverting = append(snap.CurrentlyConverting, describeJob(job))
	}
	if last := c.lastScan.Load(); last != nil {
		t := *last
		snap.LastScanAt = &t
	}
	if next, ok := c.nextScan(); ok {
		snap.NextScanAt = &next
	}
	if f := c.fault.Load(); f != nil {
		snap.Fault = f.err.Error()
	}
	return snap
}

func describeJob(job *jobs.Job) RunningJob {
	rj := RunningJob{
		File:      filepath.Base(job.FilePath),
		FilePath:  job.FilePath,
		Type:      job.MediaType,
		Progress:  job.Progress,
		StartedAt: job.StartedAt,
	}
	s := job.Settings
	if job.MediaType == library.MediaMusic {
		rj.Codec = s.AudioCodecMusic
		rj.Quality = s.MusicBitrate
		return rj
	}
	rj.Codec = s.VideoCodec
	rj.Quality = fmt.Sprintf("CRF %d", s.FFmpegCRF)
	rj.Resolution = s.TargetResolution(job.MediaType == library.MediaTV).String()
	return rj
}
