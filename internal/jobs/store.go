package jobs

import "context"

// Store persists queued and running jobs for restart recovery. A terminal job
// is deleted once its outcome was recorded.
type Store interface {
	LoadJobs(ctx context.Context) ([]*Job, error)
	UpsertJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
}
