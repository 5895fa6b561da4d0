package jobs

import (
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/library"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

type EnqueueRequest struct {
	FilePath     string
	MediaType    library.MediaType
	Settings     config.Settings
	OriginalSize int64
	// TempPath and OutputPath are decided at admission so a restart can clean
	// up after an interrupted encode.
	TempPath   string
	OutputPath string
}

// Job is one file's conversion attempt. The queue owns it while it is queued
// or running; callers only ever see copies.
type Job struct {
	ID           string            `json:"id"`
	FilePath     string            `json:"file_path"`
	MediaType    library.MediaType `json:"media_type"`
	Settings     config.Settings   `json:"settings_snapshot"`
	State        State             `json:"state"`
	Progress     float64           `json:"progress_percent"`
	OriginalSize int64             `json:"original_size_bytes"`
	NewSize      int64             `json:"new_size_bytes"`
	TempPath     string            `json:"temp_path,omitempty"`
	OutputPath   string            `json:"output_path,omitempty"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    time.Time         `json:"started_at,omitempty"`
	FinishedAt   time.Time         `json:"finished_at,omitempty"`
}

// Result is what an executor reports for a finished encode.
type Result struct {
	NewSize    int64
	OutputPath string
}

// View is a point-in-time copy of queue state. It is rebuilt on every
// mutation and read without locking.
type View struct {
	QueueDepth  int    `json:"queue_size"`
	Paused      bool   `json:"is_paused"`
	Concurrency int    `json:"concurrency"`
	Running     []*Job `json:"running"`
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Settings = job.Settings.Clone()
	return &tmp
}
