package db

const pgSchema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, external_id)
);
CREATE INDEX IF NOT EXISTS dedup_records_seen_at_idx ON dedup_records (seen_at);

CREATE TABLE IF NOT EXISTS tracked_items (
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	policy_key TEXT NOT NULL,
	source TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	first_detected_at TIMESTAMPTZ NOT NULL,
	last_observed_at TIMESTAMPTZ NOT NULL,
	current_level INT NOT NULL DEFAULT 0,
	resolve_requested_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	resolution_reason TEXT NOT NULL DEFAULT '',
	notify_failing BOOLEAN NOT NULL DEFAULT FALSE,
	retry_from TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (item_kind, item_id)
);
CREATE INDEX IF NOT EXISTS tracked_items_open_idx ON tracked_items (resolved_at, first_detected_at);

CREATE TABLE IF NOT EXISTS item_actions (
	id BIGINT PRIMARY KEY,
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	level INT NOT NULL,
	action_kind TEXT NOT NULL,
	fired_at TIMESTAMPTZ NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	UNIQUE (item_kind, item_id, level, action_kind),
	FOREIGN KEY (item_kind, item_id) REFERENCES tracked_items (item_kind, item_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS item_failures (
	id BIGINT PRIMARY KEY,
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	level INT NOT NULL,
	action_kind TEXT NOT NULL,
	attempt INT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (item_kind, item_id) REFERENCES tracked_items (item_kind, item_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS item_failures_item_idx ON item_failures (item_kind, item_id);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_date TEXT PRIMARY KEY,
	generated_at TIMESTAMPTZ NOT NULL,
	total INT NOT NULL,
	open_count INT NOT NULL,
	resolved_count INT NOT NULL,
	by_level JSONB NOT NULL,
	by_policy JSONB NOT NULL,
	by_age JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_checkpoints (
	source TEXT PRIMARY KEY,
	checkpoint_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	summary JSONB
);
CREATE INDEX IF NOT EXISTS runs_kind_started_idx ON runs (kind, started_at DESC);
`

// Times are stored as unix nanoseconds so ordering and MAX() work on plain integers.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dedup_records (
	source TEXT NOT NULL,
	external_id TEXT NOT NULL,
	seen_at INTEGER NOT NULL,
	PRIMARY KEY (source, external_id)
);
CREATE INDEX IF NOT EXISTS dedup_records_seen_at_idx ON dedup_records (seen_at);

CREATE TABLE IF NOT EXISTS tracked_items (
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	policy_key TEXT NOT NULL,
	source TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	first_detected_at INTEGER NOT NULL,
	last_observed_at INTEGER NOT NULL,
	current_level INTEGER NOT NULL DEFAULT 0,
	resolve_requested_at INTEGER,
	resolved_at INTEGER,
	resolution_reason TEXT NOT NULL DEFAULT '',
	notify_failing INTEGER NOT NULL DEFAULT 0,
	retry_from INTEGER,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (item_kind, item_id)
);
CREATE INDEX IF NOT EXISTS tracked_items_open_idx ON tracked_items (resolved_at, first_detected_at);

CREATE TABLE IF NOT EXISTS item_actions (
	id INTEGER PRIMARY KEY,
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	action_kind TEXT NOT NULL,
	fired_at INTEGER NOT NULL,
	external_ref TEXT NOT NULL DEFAULT '',
	UNIQUE (item_kind, item_id, level, action_kind),
	FOREIGN KEY (item_kind, item_id) REFERENCES tracked_items (item_kind, item_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS item_failures (
	id INTEGER PRIMARY KEY,
	item_kind TEXT NOT NULL,
	item_id TEXT NOT NULL,
	level INTEGER NOT NULL,
	action_kind TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	failed_at INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (item_kind, item_id) REFERENCES tracked_items (item_kind, item_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS item_failures_item_idx ON item_failures (item_kind, item_id);

CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_date TEXT PRIMARY KEY,
	generated_at INTEGER NOT NULL,
	total INTEGER NOT NULL,
	open_count INTEGER NOT NULL,
	resolved_count INTEGER NOT NULL,
	by_level TEXT NOT NULL,
	by_policy TEXT NOT NULL,
	by_age TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_checkpoints (
	source TEXT PRIMARY KEY,
	checkpoint_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	summary TEXT
);
CREATE INDEX IF NOT EXISTS runs_kind_started_idx ON runs (kind, started_at);
`
