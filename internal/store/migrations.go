package store

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    repo_owner TEXT NOT NULL,
    repo_name TEXT NOT NULL,
    repo_url TEXT NOT NULL,
    default_branch TEXT NOT NULL DEFAULT 'main',
    auto_merge_enabled BOOLEAN DEFAULT FALSE,
    auto_confirm_plans BOOLEAN DEFAULT FALSE,
    ui_testing_enabled BOOLEAN DEFAULT TRUE,
    deploy_commands TEXT,
    health_check_url TEXT,
    base_url TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    external_task_id TEXT,
    prompt TEXT NOT NULL,
    planning_statement TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    classification TEXT NOT NULL DEFAULT 'regular',
    result TEXT,
    pr_url TEXT,
    pr_number INTEGER,
    auto_confirm_plans BOOLEAN DEFAULT FALSE,
    continuations INTEGER DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_project ON agent_runs(project_id);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

CREATE TABLE IF NOT EXISTS validation_runs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    agent_run_id TEXT REFERENCES agent_runs(id),
    pr_number INTEGER NOT NULL,
    pr_url TEXT NOT NULL,
    branch TEXT,
    commit_sha TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    current_step INTEGER DEFAULT 0,
    overall_score REAL DEFAULT 0,
    auto_merge_eligible BOOLEAN DEFAULT FALSE,
    auto_merge_executed BOOLEAN DEFAULT FALSE,
    retry_count INTEGER DEFAULT 0,
    snapshot_id TEXT,
    error_message TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_validation_runs_project ON validation_runs(project_id);
CREATE INDEX IF NOT EXISTS idx_validation_runs_status ON validation_runs(status);
CREATE INDEX IF NOT EXISTS idx_validation_runs_pr ON validation_runs(project_id, pr_number);

CREATE TABLE IF NOT EXISTS validation_steps (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL REFERENCES validation_runs(id),
    step_index INTEGER NOT NULL,
    step_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    score REAL,
    weight REAL NOT NULL DEFAULT 1.0,
    is_critical BOOLEAN DEFAULT FALSE,
    retry_count INTEGER DEFAULT 0,
    logs TEXT,
    error_message TEXT,
    external_ref TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_validation_steps_run ON validation_steps(run_id);
`
