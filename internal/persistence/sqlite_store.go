package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/MimeLyc/sizetrimmer/internal/config"
	"github.com/MimeLyc/sizetrimmer/internal/jobs"
	"github.com/MimeLyc/sizetrimmer/internal/library"
)

const defaultHistoryLimit = 50

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore holds conversion history and the persisted queue. A single
// connection makes it the only writer.
type SQLiteStore struct {
	db *sqlx.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.GetContext(ctx, &exists, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

// Ping checks that the database still answers queries.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var n int
	return s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM schema_migrations`)
}

// Append inserts a history record and returns it with its id.
func (s *SQLiteStore) Append(ctx context.Context, rec HistoryRecord) (HistoryRecord, error) {
	if strings.TrimSpace(rec.SourcePath) == "" {
		return HistoryRecord{}, fmt.Errorf("source path is required")
	}
	if !rec.Status.Terminal() {
		return HistoryRecord{}, fmt.Errorf("history status must be terminal, got %q", rec.Status)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.FileName == "" {
		rec.FileName = filepath.Base(rec.SourcePath)
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.Timestamp
	}

	if err := s.db.QueryRowxContext(
		ctx,
		insertConversionQuery,
		rec.Timestamp.UTC(),
		rec.SourcePath,
		rec.OutputPath,
		rec.FileName,
		string(rec.MediaType),
		string(rec.Status),
		rec.DryRun,
		rec.OriginalSize,
		rec.NewSize,
		rec.ErrorMsg,
		rec.SettingsHash,
		rec.StartedAt.UTC(),
		rec.FinishedAt.UTC(),
	).Scan(&rec.ID); err != nil {
		return HistoryRecord{}, fmt.Errorf("failed to append history: %w", err)
	}
	return rec, nil
}

// Query returns matching records, newest first.
func (s *SQLiteStore) Query(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryxContext(
		ctx,
		queryConversionsQuery,
		string(filter.Status), string(filter.Status),
		string(filter.MediaType), string(filter.MediaType),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	ret := make([]HistoryRecord, 0, limit)
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan history: %w", err)
	}
	return ret, nil
}

func (s *SQLiteStore) Aggregate(ctx context.Context) (Totals, error) {
	var totals Totals
	if err := s.db.GetContext(ctx, &totals, aggregateConversionsQuery); err != nil {
		return Totals{}, fmt.Errorf("failed to aggregate history: %w", err)
	}
	return totals, nil
}

// LatestCompleted finds the newest completed record that read from or wrote
// to path.
func (s *SQLiteStore) LatestCompleted(ctx context.Context, path string) (HistoryRecord, bool, error) {
	var rec HistoryRecord
	if err := s.db.GetContext(ctx, &rec, latestCompletedQuery, path, path); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HistoryRecord{}, false, nil
		}
		return HistoryRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, loadJobsQuery); err != nil {
		return nil, err
	}

	ret := make([]*jobs.Job, 0, len(rows))
	for _, row := range rows {
		settings := config.DefaultSettings()
		if err := json.Unmarshal([]byte(row.SettingsJSON), &settings); err != nil {
			return nil, fmt.Errorf("decode settings of job %s: %w", row.ID, err)
		}
		ret = append(ret, &jobs.Job{
			ID:           row.ID,
			FilePath:     row.FilePath,
			MediaType:    library.MediaType(row.MediaType),
			Settings:     settings,
			State:        jobs.State(row.State),
			OriginalSize: row.OriginalSize,
			NewSize:      row.NewSize,
			TempPath:     row.TempPath,
			OutputPath:   row.OutputPath,
			Error:        row.ErrorMsg,
			CreatedAt:    row.CreatedAt,
			StartedAt:    row.StartedAt,
			FinishedAt:   row.FinishedAt,
		})
	}
	return ret, nil
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		upsertJobQuery,
		job.ID,
		job.FilePath,
		string(job.MediaType),
		string(job.State),
		string(settingsJSON),
		job.OriginalSize,
		job.NewSize,
		job.TempPath,
		job.OutputPath,
		job.Error,
		job.CreatedAt.UTC(),
		job.StartedAt.UTC(),
		job.FinishedAt.UTC(),
		time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, deleteJobQuery, jobID)
	return err
}
