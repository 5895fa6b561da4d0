package pipeline

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/media"
	"github.com/MimeLyc/sizetrimmer/pkg/file"
	"github.com/MimeLyc/sizetrimmer/pkg/log"
)

type Prober interface {
	Probe(ctx context.Context, path string) (*media.ProbeResult, error)
}

type Encoder interface {
	Run(ctx context.Context, args []string, duration time.Duration, onProgress func(pct float64)) error
}

// convert is the queue's executor. The engine always writes to the job's
// temp path; the final path only ever receives a finished file by rename,
// and only after the queue accepted the commit.
func (c *Coordinator) convert(ctx context.Context, job *jobs.Job, progress func(pct float64)) (jobs.Result, error) {
	settings := job.Settings
	src := job.FilePath

	if settings.DryRun {
		if err := c.queue.Commit(job.ID); err != nil {
			return jobs.Result{}, err
		}
		log.Info("Dry run: would convert %s (%s, %s)", src, job.MediaType, humanize.Bytes(uint64(max(job.OriginalSize, 0))))
		progress(100)
		return jobs.Result{NewSize: job.OriginalSize, OutputPath: src}, nil
	}

	if _, err := os.Stat(src); err != nil {
		return jobs.Result{}, WrapError(err, ErrFilesystem, "source is not readable").WithContext("path", src)
	}

	tmp, final := job.TempPath, job.OutputPath
	if tmp == "" || final == "" {
		tmp, final = media.OutputPaths(src, job.MediaType, settings)
	}
	if final != src {
		if _, err := os.Stat(final); err == nil {
			return jobs.Result{}, NewError(ErrFilesystem, "output already exists").WithContext("path", final)
		}
	}

	var duration time.Duration
	if c.prober != nil {
		probe, err := c.prober.Probe(ctx, src)
		if err != nil {
			log.Debug("Failed to probe duration of %s: %v", src, err)
		} else {
			duration = probe.Duration()
		}
	}

	args := media.BuildEncodeArgs(settings, job.MediaType, src, tmp)
	log.Info("Converting %s -> %s", src, final)
	log.Debug("ffmpeg %v", args)

	if err := c.encoder.Run(ctx, args, duration, progress); err != nil {
		removeTemp(tmp)
		if ctx.Err() != nil {
			return jobs.Result{}, ctx.Err()
		}
		if errors.Is(err, media.ErrEngineMissing) {
			return jobs.Result{}, WrapError(err, ErrSupplier, "codec engine unavailable")
		}
		var exitErr *media.ExitError
		if errors.As(err, &exitErr) {
			return jobs.Result{}, WrapError(err, ErrSupplier, "codec engine failed").WithContext("exit_code", exitErr.Code)
		}
		return jobs.Result{}, WrapError(err, ErrSupplier, "codec engine failed")
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return jobs.Result{}, WrapError(err, ErrFilesystem, "encoded output missing").WithContext("path", tmp)
	}
	newSize := info.Size()

	if final != src {
		if _, err := os.Stat(final); err == nil {
			removeTemp(tmp)
			return jobs.Result{}, NewError(ErrFilesystem, "output appeared during the encode").WithContext("path", final)
		}
	}
	if err := c.queue.Commit(job.ID); err != nil {
		removeTemp(tmp)
		return jobs.Result{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		removeTemp(tmp)
		return jobs.Result{}, WrapError(err, ErrFilesystem, "failed to move output into place").WithContext("path", final)
	}
	if settings.ReplaceOriginal && final != src {
		if err := file.RemoveIfExists(src); err != nil {
			log.Warn("Converted %s but failed to remove the original: %v", src, err)
		}
	}

	saved := job.OriginalSize - newSize
	if saved >= 0 {
		log.Info("Converted %s: %s -> %s, saved %s", src,
			humanize.Bytes(uint64(max(job.OriginalSize, 0))), humanize.Bytes(uint64(newSize)), humanize.Bytes(uint64(saved)))
	} else {
		log.Warn("Converted %s but it grew: %s -> %s", src,
			humanize.Bytes(uint64(max(job.OriginalSize, 0))), humanize.Bytes(uint64(newSize)))
	}
	return jobs.Result{NewSize: newSize, OutputPath: final}, nil
}

func removeTemp(path string) {
	if err := file.RemoveIfExists(path); err != nil {
		log.Warn("Failed to remove temp output %s: %v", path, err)
	}
}
