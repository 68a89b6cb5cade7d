package migrations

func init() {
	Register(Migration{
		Timestamp:   "20250418-093000",
		Description: "job priority column and queue pick index",
		Up: []string{
			`ALTER TABLE batch_jobs ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`,

			`CREATE INDEX IF NOT EXISTS idx_batch_jobs_pick ON batch_jobs(status, priority DESC, created_at ASC, id ASC)`,
		},
	})
}
