package postgresql

// migrations returns the versioned schema for the tasks table.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS tasks (
				id UUID PRIMARY KEY,
				definition_name VARCHAR(255) NOT NULL,
				status VARCHAR(16) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				output_log_ref TEXT NOT NULL DEFAULT '',
				report_ref TEXT NOT NULL DEFAULT '',
				exit_code INTEGER,
				error_message TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
			CREATE INDEX IF NOT EXISTS idx_tasks_definition_name ON tasks (definition_name);
			CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks (created_at);
		`,
	}
}
