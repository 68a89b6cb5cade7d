package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250301-120000",
		Description: "initial schema: files, batch jobs, failed requests, worker heartbeat, models",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS files (
				id TEXT PRIMARY KEY,
				purpose TEXT NOT NULL,
				filename TEXT NOT NULL DEFAULT '',
				size_bytes INTEGER NOT NULL DEFAULT 0,
				line_count INTEGER NOT NULL DEFAULT 0,
				storage_key TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS batch_jobs (
				id TEXT PRIMARY KEY,
				input_file_id TEXT NOT NULL REFERENCES files(id),
				output_file_id TEXT,
				error_file_id TEXT,
				endpoint TEXT NOT NULL DEFAULT '/v1/chat/completions',
				completion_window TEXT NOT NULL DEFAULT '24h',
				model_name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'validating',
				total INTEGER NOT NULL DEFAULT 0,
				completed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				checkpoint INTEGER NOT NULL DEFAULT 0,
				cancel_requested INTEGER NOT NULL DEFAULT 0,
				attempt_count INTEGER NOT NULL DEFAULT 0,
				webhook_url TEXT,
				webhook_secret TEXT,
				metadata_json TEXT,
				error_code TEXT,
				error_message TEXT,
				expires_at TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				finished_at TEXT
			)`,

			`CREATE INDEX IF NOT EXISTS idx_batch_jobs_status_created ON batch_jobs(status, created_at)`,

			`CREATE TABLE IF NOT EXISTS failed_requests (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
				custom_id TEXT NOT NULL,
				request_index INTEGER NOT NULL,
				error_code TEXT NOT NULL,
				error_message TEXT,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,

			`CREATE INDEX IF NOT EXISTS idx_failed_requests_job ON failed_requests(job_id, request_index)`,

			`CREATE TABLE IF NOT EXISTS worker_heartbeat (
				worker_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				current_job_id TEXT,
				loaded_model TEXT,
				gpu_memory_fraction REAL,
				gpu_temperature_c REAL,
				last_seen_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS models (
				name TEXT PRIMARY KEY,
				engine_id TEXT NOT NULL,
				max_context_tokens INTEGER NOT NULL DEFAULT 8192,
				estimated_vram_gb REAL NOT NULL DEFAULT 0,
				default_temperature REAL,
				default_top_p REAL,
				default_max_tokens INTEGER,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	})
}
