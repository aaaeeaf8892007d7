package sqlite

// Timestamps are stored as UTC RFC 3339 text with a fixed nine-digit
// fraction so they compare lexically in time order and round-trip exactly.
const schema = `
-- Plans table
CREATE TABLE IF NOT EXISTS plans (
    id TEXT PRIMARY KEY,
    signature TEXT NOT NULL,
    severity TEXT NOT NULL CHECK(severity IN ('critical', 'warning', 'info')),
    description TEXT NOT NULL DEFAULT '' CHECK(length(description) <= 2000),
    steps TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    context TEXT,
    dry_run INTEGER NOT NULL DEFAULT 0,
    decision_actor TEXT,
    decision_at TEXT,
    decision_note TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    expires_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);
CREATE INDEX IF NOT EXISTS idx_plans_signature_created ON plans(signature, created_at);

-- At most one plan per signature may be executing
CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_one_executing
    ON plans(signature) WHERE status = 'executing';

-- Execution log (append-only)
CREATE TABLE IF NOT EXISTS plan_execution_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id TEXT NOT NULL,
    step_index INTEGER NOT NULL,
    outcome TEXT NOT NULL CHECK(outcome IN ('succeeded', 'failed', 'skipped')),
    detail TEXT NOT NULL DEFAULT '',
    at TEXT NOT NULL,
    FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_plan_execution_log_plan ON plan_execution_log(plan_id, id);

-- Plan events table (audit trail of every transition)
CREATE TABLE IF NOT EXISTS plan_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id TEXT NOT NULL,
    from_status TEXT NOT NULL DEFAULT '',
    to_status TEXT NOT NULL,
    actor TEXT NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    at TEXT NOT NULL,
    FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_plan_events_plan ON plan_events(plan_id, id);

-- Suppression rules
CREATE TABLE IF NOT EXISTS suppression_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signature TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    rejection_count_at_creation INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_suppression_rules_active
    ON suppression_rules(signature) WHERE active = 1;

-- Pattern entries (one per signature, updated in place)
CREATE TABLE IF NOT EXISTS pattern_entries (
    signature TEXT PRIMARY KEY,
    step_template TEXT NOT NULL,
    usage_count INTEGER NOT NULL DEFAULT 0,
    last_used_at TEXT NOT NULL
);

-- Rejections backing the rolling-window threshold
CREATE TABLE IF NOT EXISTS rejections (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signature TEXT NOT NULL,
    plan_id TEXT NOT NULL UNIQUE,
    at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rejections_signature_at ON rejections(signature, at);
`
