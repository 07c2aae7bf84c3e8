package store

// Database schema definitions for the grid dispatch store

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id UUID PRIMARY KEY,
    type VARCHAR(50) NOT NULL CHECK (type IN ('matrix_multiply', 'hash_iteration', 'ml_inference')),
    difficulty INTEGER NOT NULL CHECK (difficulty >= 1),
    input_payload JSONB NOT NULL,
    input_hash VARCHAR(64) NOT NULL,
    expected_output_hash VARCHAR(64),
    reward DECIMAL(20,9) NOT NULL CHECK (reward >= 0),
    max_execution_ms BIGINT NOT NULL,
    requires_gpu BOOLEAN NOT NULL DEFAULT FALSE,
    redundancy INTEGER NOT NULL CHECK (redundancy >= 1),
    status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'assigned', 'completed', 'expired')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks (type, status);
CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks (reward DESC, created_at ASC) WHERE status IN ('pending', 'assigned');
`

const createCanaryTasksTable = `
CREATE TABLE IF NOT EXISTS canary_tasks (
    id VARCHAR(80) PRIMARY KEY,
    type VARCHAR(50) NOT NULL CHECK (type IN ('matrix_multiply', 'hash_iteration')),
    difficulty INTEGER NOT NULL CHECK (difficulty >= 1),
    input_payload JSONB NOT NULL,
    input_hash VARCHAR(64) NOT NULL,
    known_output_hash VARCHAR(64) NOT NULL,
    known_result JSONB NOT NULL,
    reward DECIMAL(20,9) NOT NULL DEFAULT 0,
    requires_gpu BOOLEAN NOT NULL DEFAULT FALSE,
    max_execution_ms BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createAssignmentsTable = `
CREATE TABLE IF NOT EXISTS assignments (
    id UUID PRIMARY KEY,
    task_id UUID NOT NULL REFERENCES tasks(id),
    node_id VARCHAR(255) NOT NULL,
    status VARCHAR(50) NOT NULL CHECK (status IN ('assigned', 'processing', 'completed', 'failed', 'timeout')),
    result_payload JSONB,
    result_hash VARCHAR(64),
    execution_time_ms BIGINT NOT NULL DEFAULT 0,
    verified BOOLEAN NOT NULL DEFAULT FALSE,
    credits_awarded DECIMAL(20,9) NOT NULL DEFAULT 0,
    assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_assignments_task ON assignments (task_id);
CREATE INDEX IF NOT EXISTS idx_assignments_node ON assignments (node_id, assigned_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_one_slot_per_node
    ON assignments (task_id, node_id)
    WHERE status IN ('assigned', 'processing', 'completed');
`

const createTrustRecordsTable = `
CREATE TABLE IF NOT EXISTS trust_records (
    node_id VARCHAR(255) PRIMARY KEY,
    score DOUBLE PRECISION NOT NULL DEFAULT 100 CHECK (score >= 0 AND score <= 100),
    total_tasks INTEGER NOT NULL DEFAULT 0,
    successful_tasks INTEGER NOT NULL DEFAULT 0,
    failed_tasks INTEGER NOT NULL DEFAULT 0,
    canary_failures INTEGER NOT NULL DEFAULT 0,
    banned BOOLEAN NOT NULL DEFAULT FALSE,
    banned_at TIMESTAMPTZ,
    ban_reason TEXT NOT NULL DEFAULT '',
    last_failure_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_trust_low_score ON trust_records (score) WHERE NOT banned;
`

const createTaskResultsTable = `
CREATE TABLE IF NOT EXISTS task_results (
    id UUID PRIMARY KEY,
    task_id UUID NOT NULL UNIQUE REFERENCES tasks(id),
    consensus_hash VARCHAR(64) NOT NULL,
    total_submissions INTEGER NOT NULL,
    matching_count INTEGER NOT NULL,
    consensus_reached BOOLEAN NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createNodesTable = `
CREATE TABLE IF NOT EXISTS nodes (
    node_id VARCHAR(255) PRIMARY KEY,
    has_gpu BOOLEAN NOT NULL DEFAULT FALSE,
    capabilities JSONB NOT NULL DEFAULT '[]',
    registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

const createEarningsTable = `
CREATE TABLE IF NOT EXISTS earnings (
    id UUID PRIMARY KEY,
    node_id VARCHAR(255) NOT NULL,
    task_id UUID NOT NULL,
    amount DECIMAL(20,9) NOT NULL CHECK (amount >= 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_earnings_node ON earnings (node_id, created_at DESC);
`
