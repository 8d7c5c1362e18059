package resultcache

const (
	schemaQuery = `
CREATE TABLE IF NOT EXISTS transcription_cache (
	file_hash TEXT PRIMARY KEY,
	raw_result JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_access_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS task_audit (
	task_id TEXT PRIMARY KEY,
	file_hash TEXT NOT NULL,
	output_format TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL,
	queued_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	error_code TEXT
);`

	getEntryQuery = `SELECT file_hash, raw_result, created_at, last_access_at FROM transcription_cache WHERE file_hash = $1`

	putRawQuery = `INSERT INTO transcription_cache (file_hash, raw_result, created_at, last_access_at)
					VALUES ($1, $2, now(), now())
					ON CONFLICT (file_hash) DO UPDATE SET last_access_at = now()`

	touchAccessQuery = `UPDATE transcription_cache SET last_access_at = now() WHERE file_hash = $1`

	evictQuery = `DELETE FROM transcription_cache WHERE file_hash = $1`

	sweepExpiredQuery = `DELETE FROM transcription_cache WHERE now() - last_access_at > $1 RETURNING file_hash`

	insertAuditQuery = `INSERT INTO task_audit (task_id, file_hash, output_format, status, retry_count, queued_at, started_at, finished_at, error_code)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
						ON CONFLICT (task_id) DO UPDATE SET
							status = EXCLUDED.status,
							retry_count = EXCLUDED.retry_count,
							started_at = EXCLUDED.started_at,
							finished_at = EXCLUDED.finished_at,
							error_code = EXCLUDED.error_code`
)
