package statestore

const schema = `
CREATE TABLE IF NOT EXISTS control_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	record TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	total_count INTEGER NOT NULL,
	current_index INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payloads (
	batch_id TEXT PRIMARY KEY REFERENCES batches(id) ON DELETE CASCADE,
	tasks TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL,
	task_index INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload TEXT,
	fields TEXT,
	confidence REAL NOT NULL DEFAULT 0,
	reasoning TEXT,
	note TEXT,
	UNIQUE(batch_id, task_index)
);

CREATE TABLE IF NOT EXISTS alarms (
	name TEXT PRIMARY KEY,
	fire_at TIMESTAMP NOT NULL
);
`
