package store

// migration pairs a schema version with the statements that bring the
// database up to it.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	provider_message_id TEXT NOT NULL UNIQUE,
	source TEXT NOT NULL,
	from_email TEXT NOT NULL,
	to_emails TEXT NOT NULL,
	subject TEXT,
	body_text TEXT,
	body_html TEXT,
	raw_email BLOB,
	headers TEXT,
	receipt_rule TEXT,
	disposition TEXT,
	processing_error TEXT,
	received_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS messages_received_at_idx ON messages(received_at);

CREATE TABLE IF NOT EXISTS attachments (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT,
	size_bytes INTEGER NOT NULL,
	file_url TEXT,
	PRIMARY KEY (message_id, position)
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
