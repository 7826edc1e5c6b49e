package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow graphs
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
				version INT NOT NULL DEFAULT 1,
				max_loop_iterations INT NOT NULL DEFAULT 3,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				activated_at TIMESTAMP WITH TIME ZONE,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);

			CREATE TABLE workflow_nodes (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				node_type VARCHAR(50) NOT NULL,
				label VARCHAR(255) NOT NULL DEFAULT '',
				agent_ref VARCHAR(255),
				crew_ref VARCHAR(255),
				skill_ref VARCHAR(255),
				config JSONB NOT NULL DEFAULT '{}',
				sort_order INT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE TABLE workflow_edges (
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
				id VARCHAR(255) NOT NULL,
				source_node_id VARCHAR(255) NOT NULL,
				target_node_id VARCHAR(255) NOT NULL,
				condition JSONB,
				label VARCHAR(255) NOT NULL DEFAULT '',
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				case_value VARCHAR(255),
				sort_order INT NOT NULL DEFAULT 0,
				PRIMARY KEY (workflow_id, id)
			);

			CREATE INDEX idx_workflow_edges_source ON workflow_edges(workflow_id, source_node_id);
		`,
		2: `
			-- Experiments and their runtime records
			CREATE TABLE experiments (
				id VARCHAR(255) PRIMARY KEY,
				title VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				paused_from_status VARCHAR(50),
				workflow_id VARCHAR(255) REFERENCES workflows(id) ON DELETE RESTRICT,
				constraints JSONB NOT NULL DEFAULT '{}',
				data JSONB,
				iteration INT NOT NULL DEFAULT 0,
				max_iterations INT NOT NULL DEFAULT 0,
				budget_cap DOUBLE PRECISION NOT NULL DEFAULT 0,
				budget_spent DOUBLE PRECISION NOT NULL DEFAULT 0,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_experiments_status ON experiments(status);
			CREATE INDEX idx_experiments_workflow_id ON experiments(workflow_id);

			CREATE TABLE execution_steps (
				id VARCHAR(255) PRIMARY KEY,
				experiment_id VARCHAR(255) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				workflow_node_id VARCHAR(255),
				node_type VARCHAR(50) NOT NULL,
				agent_ref VARCHAR(255),
				crew_ref VARCHAR(255),
				skill_ref VARCHAR(255),
				step_order INT NOT NULL,
				execution_mode VARCHAR(20) NOT NULL CHECK (execution_mode IN ('sequential', 'parallel')),
				group_id VARCHAR(1024),
				status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'skipped')),
				input JSONB,
				output JSONB,
				error_message TEXT NOT NULL DEFAULT '',
				loop_count INT NOT NULL DEFAULT 0,
				cost DOUBLE PRECISION NOT NULL DEFAULT 0,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_execution_steps_experiment ON execution_steps(experiment_id, step_order);
			CREATE INDEX idx_execution_steps_status ON execution_steps(status);

			CREATE TABLE experiment_state_transitions (
				id VARCHAR(255) PRIMARY KEY,
				experiment_id VARCHAR(255) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				from_state VARCHAR(50) NOT NULL,
				to_state VARCHAR(50) NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				actor_id VARCHAR(255) NOT NULL DEFAULT '',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_transitions_experiment ON experiment_state_transitions(experiment_id, created_at);

			CREATE TABLE experiment_stages (
				id VARCHAR(255) PRIMARY KEY,
				experiment_id VARCHAR(255) NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				stage VARCHAR(50) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('running', 'completed', 'failed', 'skipped')),
				iteration INT NOT NULL DEFAULT 0,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_stages_running ON experiment_stages(stage) WHERE status = 'running';
		`,
	}
}
