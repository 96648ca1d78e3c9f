package protocol

// SchemaDDL defines the SQLite schema for the foreman coordination database.
// Tables: ownership, resources, sessions, queue_messages, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Durable ownership leases, one row per tenant. Expiry is evaluated by
-- readers against lease_expires_at; no background sweep.
CREATE TABLE IF NOT EXISTS ownership (
    project TEXT NOT NULL,
    user TEXT NOT NULL,
    owner_id TEXT NOT NULL,
    acquired_at TEXT NOT NULL,
    lease_expires_at TEXT NOT NULL,
    last_activity_at TEXT NOT NULL,
    PRIMARY KEY (project, user)
);

-- Compute resource state, one row per tenant for the resource's lifetime.
CREATE TABLE IF NOT EXISTS resources (
    project TEXT NOT NULL,
    user TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'stopped',
    address TEXT,
    last_started TEXT,
    last_activity TEXT,
    PRIMARY KEY (project, user)
);

-- Live caller interest per tenant; zero open sessions makes a tenant
-- eligible for idle release.
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    user TEXT NOT NULL,
    external_thread_id TEXT,
    status TEXT NOT NULL DEFAULT 'open',
    last_activity TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS sessions_tenant ON sessions (project, user, status);
CREATE INDEX IF NOT EXISTS sessions_thread ON sessions (external_thread_id);

-- At-least-once message queues: pool, per-tenant input/output, dead letter.
-- A received row is hidden until visible_at; unacked deliveries reappear.
CREATE TABLE IF NOT EXISTS queue_messages (
    id INTEGER PRIMARY KEY,
    queue TEXT NOT NULL,
    body TEXT NOT NULL,
    enqueued_at TEXT NOT NULL DEFAULT (datetime('now')),
    visible_at TEXT NOT NULL DEFAULT (datetime('now')),
    attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS queue_visibility ON queue_messages (queue, visible_at, id);

-- Coordination event log: claims, releases, transitions, routing decisions.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    tenant TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
