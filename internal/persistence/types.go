package persistence

import (
	"time"

	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
)

// HistoryRecord is the immutable outcome of one job. Rows are only ever
// inserted.
type HistoryRecord struct {
	ID           int64             `db:"id" json:"id"`
	Timestamp    time.Time         `db:"timestamp" json:"timestamp"`
	SourcePath   string            `db:"source_path" json:"source_path"`
	OutputPath   string            `db:"output_path" json:"output_path"`
	FileName     string            `db:"file_name" json:"file_name"`
	MediaType    library.MediaType `db:"media_type" json:"media_type"`
	Status       jobs.State        `db:"status" json:"status"`
	DryRun       bool              `db:"dry_run" json:"dry_run"`
	OriginalSize int64             `db:"original_size" json:"original_size"`
	NewSize      int64             `db:"new_size" json:"new_size"`
	ErrorMsg     string            `db:"error_msg" json:"error_msg,omitempty"`
	SettingsHash string            `db:"settings_hash" json:"settings_hash"`
	StartedAt    time.Time         `db:"started_at" json:"started_at"`
	FinishedAt   time.Time         `db:"finished_at" json:"finished_at"`
}

// HistoryFilter narrows Query. Zero values match everything; Limit defaults
// to 50.
type HistoryFilter struct {
	Status    jobs.State
	MediaType library.MediaType
	Limit     int
	Offset    int
}

// Totals folds over every history row. Total counts finished attempts
// (successful plus failed); cancelled jobs are only counted in Cancelled.
type Totals struct {
	Total      int64 `db:"total" json:"total_conversions"`
	Successful int64 `db:"successful" json:"successful_conversions"`
	Failed     int64 `db:"failed" json:"failed_conversions"`
	Cancelled  int64 `db:"cancelled" json:"cancelled_conversions"`
	BytesSaved int64 `db:"bytes_saved" json:"total_saved_bytes"`
}

type jobRow struct {
	ID           string    `db:"id"`
	FilePath     string    `db:"file_path"`
	MediaType    string    `db:"media_type"`
	State        string    `db:"state"`
	SettingsJSON string    `db:"settings_json"`
	OriginalSize int64     `db:"original_size"`
	NewSize      int64     `db:"new_size"`
	TempPath     string    `db:"temp_path"`
	OutputPath   string    `db:"output_path"`
	ErrorMsg     string    `db:"error_msg"`
	CreatedAt    time.Time `db:"created_at"`
	StartedAt    time.Time `db:"started_at"`
	FinishedAt   time.Time `db:"finished_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
