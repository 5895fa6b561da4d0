package persistence

const (
	insertConversionQuery = `INSERT INTO conversions (
			timestamp, source_path, output_path, file_name, media_type, status, dry_run,
			original_size, new_size, error_msg, settings_hash, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`
	conversionColumns = `id, timestamp, source_path, output_path, file_name, media_type, status, dry_run,
		original_size, new_size, error_msg, settings_hash, started_at, finished_at`
	queryConversionsQuery = `SELECT ` + conversionColumns + ` FROM conversions
		WHERE (? = '' OR status = ?) AND (? = '' OR media_type = ?)
		ORDER BY id DESC LIMIT ? OFFSET ?`
	latestCompletedQuery = `SELECT ` + conversionColumns + ` FROM conversions
		WHERE status = 'completed' AND (source_path = ? OR output_path = ?)
		ORDER BY id DESC LIMIT 1`
	aggregateConversionsQuery = `SELECT
			COALESCE(SUM(CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END), 0) AS total,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS successful,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) AS cancelled,
			COALESCE(SUM(CASE WHEN status = 'completed' AND original_size > new_size
				THEN original_size - new_size ELSE 0 END), 0) AS bytes_saved
		FROM conversions`

	loadJobsQuery = `SELECT id, file_path, media_type, state, settings_json, original_size,
			new_size, temp_path, output_path, error_msg, created_at, started_at, finished_at, updated_at
		FROM jobs ORDER BY created_at ASC`
	upsertJobQuery = `INSERT INTO jobs (
			id, file_path, media_type, state, settings_json, original_size,
			new_size, temp_path, output_path, error_msg, created_at, started_at, finished_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path=excluded.file_path,
			media_type=excluded.media_type,
			state=excluded.state,
			settings_json=excluded.settings_json,
			original_size=excluded.original_size,
			new_size=excluded.new_size,
			temp_path=excluded.temp_path,
			output_path=excluded.output_path,
			error_msg=excluded.error_msg,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at,
			updated_at=excluded.updated_at`
	deleteJobQuery = `DELETE FROM jobs WHERE id = ?`
)
