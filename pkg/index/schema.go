package index

// The schema is shared in spirit between the sqlite and postgres
// backends: both define the same seven tables, just with dialect-
// specific column types (INTEGER+TEXT vs BIGINT+TEXT, etc).

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	id               TEXT PRIMARY KEY,
	node_size        INTEGER NOT NULL DEFAULT 0,
	node_solvable    INTEGER NOT NULL DEFAULT 0,
	node_solved      INTEGER NOT NULL DEFAULT 0,
	subtree_count    INTEGER NOT NULL DEFAULT 0,
	subtree_depth    INTEGER NOT NULL DEFAULT 0,
	subtree_size     INTEGER NOT NULL DEFAULT 0,
	subtree_solvable INTEGER NOT NULL DEFAULT 0,
	subtree_solved   INTEGER NOT NULL DEFAULT 0,
	touched_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS object_children (
	parent   TEXT NOT NULL,
	child    TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (parent, position)
);
CREATE INDEX IF NOT EXISTS object_children_child_idx ON object_children(child);

CREATE TABLE IF NOT EXISTS processes (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	command           TEXT NOT NULL,
	log               TEXT,
	error             TEXT,
	output            TEXT,
	exit              INTEGER,
	expected_checksum TEXT,
	actual_checksum   TEXT,
	host              TEXT NOT NULL,
	network           INTEGER NOT NULL DEFAULT 0,
	cacheable         INTEGER NOT NULL DEFAULT 0,
	retry             INTEGER NOT NULL DEFAULT 0,
	mounts_json       TEXT,
	stored            INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	enqueued_at       TEXT,
	dequeued_at       TEXT,
	started_at        TEXT,
	finished_at       TEXT,
	touched_at        TEXT NOT NULL,
	heartbeat_at      TEXT,
	token_count       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS processes_status_idx ON processes(status);
CREATE INDEX IF NOT EXISTS processes_command_checksum_idx ON processes(command, expected_checksum);

CREATE TABLE IF NOT EXISTS process_children (
	process  TEXT NOT NULL,
	position INTEGER NOT NULL,
	child    TEXT NOT NULL,
	options  TEXT,
	PRIMARY KEY (process, position)
);

CREATE TABLE IF NOT EXISTS tags (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	parent    INTEGER NOT NULL DEFAULT 0,
	component TEXT NOT NULL,
	item      TEXT,
	UNIQUE(parent, component)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	artifact_id TEXT NOT NULL,
	path        TEXT NOT NULL,
	touched_at  TEXT NOT NULL,
	PRIMARY KEY (artifact_id, path)
);

CREATE TABLE IF NOT EXISTS incoming_queue (
	sequence INTEGER PRIMARY KEY AUTOINCREMENT,
	payload  BLOB NOT NULL,
	acked    INTEGER NOT NULL DEFAULT 0
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS objects (
	id               TEXT PRIMARY KEY,
	node_size        BIGINT NOT NULL DEFAULT 0,
	node_solvable    BOOLEAN NOT NULL DEFAULT FALSE,
	node_solved      BOOLEAN NOT NULL DEFAULT FALSE,
	subtree_count    BIGINT NOT NULL DEFAULT 0,
	subtree_depth    BIGINT NOT NULL DEFAULT 0,
	subtree_size     BIGINT NOT NULL DEFAULT 0,
	subtree_solvable BOOLEAN NOT NULL DEFAULT FALSE,
	subtree_solved   BOOLEAN NOT NULL DEFAULT FALSE,
	touched_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS object_children (
	parent   TEXT NOT NULL,
	child    TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (parent, position)
);
CREATE INDEX IF NOT EXISTS object_children_child_idx ON object_children(child);

CREATE TABLE IF NOT EXISTS processes (
	id                TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	command           TEXT NOT NULL,
	log               TEXT,
	error             TEXT,
	output            TEXT,
	exit              INTEGER,
	expected_checksum TEXT,
	actual_checksum   TEXT,
	host              TEXT NOT NULL,
	network           BOOLEAN NOT NULL DEFAULT FALSE,
	cacheable         BOOLEAN NOT NULL DEFAULT FALSE,
	retry             INTEGER NOT NULL DEFAULT 0,
	mounts_json       TEXT,
	stored            INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL,
	enqueued_at       TIMESTAMPTZ,
	dequeued_at       TIMESTAMPTZ,
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	touched_at        TIMESTAMPTZ NOT NULL,
	heartbeat_at      TIMESTAMPTZ,
	token_count       BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS processes_status_idx ON processes(status);
CREATE INDEX IF NOT EXISTS processes_command_checksum_idx ON processes(command, expected_checksum);

CREATE TABLE IF NOT EXISTS process_children (
	process  TEXT NOT NULL,
	position INTEGER NOT NULL,
	child    TEXT NOT NULL,
	options  TEXT,
	PRIMARY KEY (process, position)
);

CREATE TABLE IF NOT EXISTS tags (
	id        BIGSERIAL PRIMARY KEY,
	parent    BIGINT NOT NULL DEFAULT 0,
	component TEXT NOT NULL,
	item      TEXT,
	UNIQUE(parent, component)
);

CREATE TABLE IF NOT EXISTS cache_entries (
	artifact_id TEXT NOT NULL,
	path        TEXT NOT NULL,
	touched_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (artifact_id, path)
);

CREATE TABLE IF NOT EXISTS incoming_queue (
	sequence BIGSERIAL PRIMARY KEY,
	payload  BYTEA NOT NULL,
	acked    BOOLEAN NOT NULL DEFAULT FALSE
);
`
