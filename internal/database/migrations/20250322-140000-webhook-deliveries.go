package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250322-140000",
		Description: "persisted webhook deliveries with retry tracking",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES batch_jobs(id) ON DELETE CASCADE,
				event TEXT NOT NULL,
				url TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				next_attempt_at TEXT NOT NULL,
				last_status_code INTEGER,
				last_error TEXT,
				created_at TEXT NOT NULL,
				delivered_at TEXT
			)`,

			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries(status, next_attempt_at)`,

			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_job ON webhook_deliveries(job_id, created_at)`,
		},
	})
}
