package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Workflow templates and their ordered steps
			CREATE TABLE workflow_templates (
				id VARCHAR(255) PRIMARY KEY,
				company_id VARCHAR(255) NOT NULL DEFAULT '',
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				entity_type VARCHAR(100) NOT NULL,
				trigger_type VARCHAR(50) NOT NULL CHECK (trigger_type IN (
					'manual', 'entity_create', 'entity_update', 'purchase_order_threshold', 'scheduled', 'custom_condition'
				)),
				trigger_conditions JSONB NOT NULL DEFAULT '{}',
				priority INT NOT NULL DEFAULT 0,
				is_active BOOLEAN NOT NULL DEFAULT false,
				created_by VARCHAR(255) NOT NULL DEFAULT '',
				usage_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_templates_match
				ON workflow_templates(company_id, entity_type, trigger_type) WHERE is_active;

			CREATE TABLE workflow_steps (
				id VARCHAR(255) PRIMARY KEY,
				template_id VARCHAR(255) NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
				step_number INT NOT NULL CHECK (step_number >= 1),
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				step_type VARCHAR(50) NOT NULL,
				assignee_type VARCHAR(50) NOT NULL CHECK (assignee_type IN ('user', 'role', 'creator', 'manager', 'department_head')),
				assignee_id VARCHAR(255),
				escalate_to_type VARCHAR(50),
				escalate_to_id VARCHAR(255),
				is_required BOOLEAN NOT NULL DEFAULT true,
				timeout_hours INT NOT NULL DEFAULT 0 CHECK (timeout_hours >= 0),
				timeout_days INT NOT NULL DEFAULT 0 CHECK (timeout_days >= 0),
				auto_approve BOOLEAN NOT NULL DEFAULT false,
				allow_parallel BOOLEAN NOT NULL DEFAULT false,
				conditions JSONB NOT NULL DEFAULT '[]',
				config JSONB NOT NULL DEFAULT '{}',
				UNIQUE (template_id, step_number)
			);

			CREATE INDEX idx_workflow_steps_template_id ON workflow_steps(template_id);
		`,
		2: `
			-- Running workflow instances and the executions of their steps
			CREATE TABLE workflow_instances (
				id VARCHAR(255) PRIMARY KEY,
				company_id VARCHAR(255) NOT NULL DEFAULT '',
				template_id VARCHAR(255) NOT NULL REFERENCES workflow_templates(id),
				template_snapshot JSONB NOT NULL,
				entity_type VARCHAR(100) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN (
					'pending', 'in_progress', 'completed', 'cancelled', 'failed', 'timeout', 'escalated'
				)),
				current_step_number INT NOT NULL,
				triggered_by VARCHAR(255) NOT NULL,
				needs_attention BOOLEAN NOT NULL DEFAULT false,
				attention_reason TEXT NOT NULL DEFAULT '',
				data JSONB NOT NULL DEFAULT '{}',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version INT NOT NULL DEFAULT 1
			);

			CREATE INDEX idx_workflow_instances_template_id ON workflow_instances(template_id);
			CREATE INDEX idx_workflow_instances_entity ON workflow_instances(entity_type, entity_id);
			CREATE INDEX idx_workflow_instances_attention ON workflow_instances(company_id) WHERE needs_attention;

			CREATE TABLE workflow_step_executions (
				id VARCHAR(255) PRIMARY KEY,
				instance_id VARCHAR(255) NOT NULL REFERENCES workflow_instances(id) ON DELETE CASCADE,
				step_id VARCHAR(255) NOT NULL,
				step_number INT NOT NULL CHECK (step_number >= 1),
				status VARCHAR(50) NOT NULL CHECK (status IN (
					'pending', 'assigned', 'in_progress', 'completed', 'skipped', 'failed', 'timeout', 'escalated'
				)),
				assigned_to VARCHAR(255),
				assigned_role VARCHAR(255),
				decision VARCHAR(50) CHECK (decision IN (
					'approved', 'rejected', 'escalated', 'delegated', 'more_info_required', 'conditional_approval'
				)),
				decided_by VARCHAR(255),
				comment TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				due_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				metadata JSONB NOT NULL DEFAULT '{}',
				version INT NOT NULL DEFAULT 1
			);

			-- At most one live execution per instance
			CREATE UNIQUE INDEX idx_step_executions_live
				ON workflow_step_executions(instance_id) WHERE status IN ('pending', 'assigned', 'in_progress');
			CREATE INDEX idx_step_executions_due
				ON workflow_step_executions(due_at) WHERE status IN ('pending', 'assigned', 'in_progress');
			CREATE INDEX idx_step_executions_instance_id ON workflow_step_executions(instance_id);
		`,
		3: `
			-- Approval requests and their comments
			CREATE TABLE approval_requests (
				id VARCHAR(255) PRIMARY KEY,
				company_id VARCHAR(255) NOT NULL DEFAULT '',
				instance_id VARCHAR(255) REFERENCES workflow_instances(id),
				step_execution_id VARCHAR(255) REFERENCES workflow_step_executions(id),
				entity_type VARCHAR(100) NOT NULL,
				entity_id VARCHAR(255) NOT NULL,
				request_type VARCHAR(50) NOT NULL,
				title VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				data JSONB NOT NULL DEFAULT '{}',
				status VARCHAR(50) NOT NULL CHECK (status IN (
					'pending', 'in_review', 'approved', 'rejected', 'escalated', 'expired', 'cancelled', 'more_info_required'
				)),
				priority VARCHAR(20) NOT NULL DEFAULT 'medium',
				requested_by VARCHAR(255) NOT NULL,
				assigned_to VARCHAR(255),
				assigned_role VARCHAR(255),
				expires_at TIMESTAMP WITH TIME ZONE,
				decided_by VARCHAR(255),
				decided_at TIMESTAMP WITH TIME ZONE,
				reason TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				version INT NOT NULL DEFAULT 1,
				CHECK ((instance_id IS NULL) = (step_execution_id IS NULL)),
				CHECK ((assigned_to IS NULL) <> (assigned_role IS NULL))
			);

			CREATE UNIQUE INDEX idx_approval_requests_step_execution
				ON approval_requests(step_execution_id) WHERE step_execution_id IS NOT NULL;
			CREATE INDEX idx_approval_requests_status ON approval_requests(company_id, status);
			CREATE INDEX idx_approval_requests_assigned_to ON approval_requests(assigned_to);
			CREATE INDEX idx_approval_requests_assigned_role ON approval_requests(assigned_role);
			CREATE INDEX idx_approval_requests_entity ON approval_requests(entity_type, entity_id);

			CREATE TABLE approval_comments (
				id VARCHAR(255) PRIMARY KEY,
				request_id VARCHAR(255) NOT NULL REFERENCES approval_requests(id) ON DELETE CASCADE,
				author_id VARCHAR(255) NOT NULL,
				text TEXT NOT NULL,
				internal BOOLEAN NOT NULL DEFAULT false,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_approval_comments_request_id ON approval_comments(request_id, created_at);
		`,
		4: `
			-- Reopen chain and expiry of standalone requests
			ALTER TABLE approval_requests
				ADD COLUMN reopened_from VARCHAR(255) REFERENCES approval_requests(id),
				ADD COLUMN reopened_to VARCHAR(255) REFERENCES approval_requests(id);

			CREATE UNIQUE INDEX idx_approval_requests_reopened_from
				ON approval_requests(reopened_from) WHERE reopened_from IS NOT NULL;
			CREATE INDEX idx_approval_requests_expires_at
				ON approval_requests(expires_at) WHERE instance_id IS NULL AND expires_at IS NOT NULL;
		`,
	}
}
