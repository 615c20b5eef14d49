package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				client_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('initial', 'in_progress', 'completed', 'failed')),
				final_report JSONB,
				settled_tasks INT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE tasks (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				client_id VARCHAR(255) NOT NULL,
				task_type VARCHAR(100) NOT NULL,
				step_number INT NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('queued', 'in_progress', 'completed', 'failed')),
				progress TEXT,
				input JSONB,
				result_id UUID,
				depends_on UUID REFERENCES tasks(id) DEFERRABLE INITIALLY DEFERRED,
				error TEXT,
				started_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (workflow_id, step_number)
			);

			CREATE INDEX idx_tasks_workflow_id ON tasks(workflow_id);
			CREATE INDEX idx_tasks_depends_on ON tasks(depends_on);

			CREATE TABLE results (
				id UUID PRIMARY KEY,
				task_id UUID NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
				data JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);
		`,
		2: `
			-- Partial indexes backing the scheduler's readiness scan and the reaper
			CREATE INDEX idx_tasks_queued ON tasks(step_number, workflow_id, id) WHERE status = 'queued';
			CREATE INDEX idx_tasks_in_progress_started_at ON tasks(started_at) WHERE status = 'in_progress';
		`,
	}
}
