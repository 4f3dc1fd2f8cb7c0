// Package store persists normalized messages with idempotent upsert
// semantics keyed by the provider-assigned message identifier.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/haneul/mail-intake/internal/email"
)

// ErrNotFound is returned by lookups for messages that do not exist.
var ErrNotFound = errors.New("message not found")

// Store is the idempotent ingest store backed by SQLite.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at dbPath and applies pending
// migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// The uniqueness constraint on provider_message_id is the single
	// synchronization point for concurrent deliveries; serialize writers
	// on one connection so racing upserts queue instead of failing with
	// SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertMessage persists a normalized message and returns the stored row id.
// A second call with the same ProviderMessageID never creates a second row
// and never errors: it may only fill a previously null disposition or
// processing error. The conflict resolution happens inside one statement, so
// two concurrent deliveries of the same id cannot race.
func (s *Store) UpsertMessage(ctx context.Context, msg *email.InboundMessage) (string, error) {
	toJSON, err := json.Marshal(msg.To)
	if err != nil {
		return "", fmt.Errorf("marshaling recipients: %w", err)
	}

	var headersJSON []byte
	if msg.Headers != nil {
		headersJSON, err = json.Marshal(msg.Headers)
		if err != nil {
			return "", fmt.Errorf("marshaling headers: %w", err)
		}
	}

	var storedID string
	err = s.db.QueryRowxContext(ctx, `
		INSERT INTO messages (
			id, provider_message_id, source,
			from_email, to_emails, subject,
			body_text, body_html, raw_email, headers,
			receipt_rule, disposition, processing_error, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_message_id) DO UPDATE SET
			disposition = COALESCE(messages.disposition, excluded.disposition),
			processing_error = COALESCE(messages.processing_error, excluded.processing_error)
		RETURNING id`,
		uuid.New().String(), msg.ProviderMessageID, string(msg.Source),
		msg.From, string(toJSON), nullable(msg.Subject),
		nullable(msg.TextBody), nullable(msg.HTMLBody), msg.RawSource, nullableBytes(headersJSON),
		nullable(msg.ReceiptRule), nullable(string(msg.Disposition)), nullable(msg.ProcessingError),
		msg.ReceivedAt.UTC(),
	).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("upserting message %s: %w", msg.ProviderMessageID, err)
	}

	s.insertAttachments(ctx, storedID, msg.Attachments)
	return storedID, nil
}

// insertAttachments records attachment metadata rows. A failed attachment
// insert is logged and skipped: the parent message must stay discoverable
// even when attachment persistence fails, and duplicate deliveries simply
// hit the primary key.
func (s *Store) insertAttachments(ctx context.Context, messageID string, atts []email.Attachment) {
	for i, att := range atts {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachments (
				message_id, position, filename, content_type, size_bytes, file_url
			) VALUES (?, ?, ?, ?, ?, ?)`,
			messageID, i, att.Filename, att.ContentType, att.SizeBytes, nullable(att.FileURL),
		)
		if err != nil {
			slog.Warn("failed to persist attachment metadata",
				"message_id", messageID,
				"filename", att.Filename,
				"error", err,
			)
		}
	}
}

// SetDisposition records the classifier label for a stored message. A label
// already recorded is kept: a redelivered message re-runs classification in
// the background, and the first answer must win, same as the upsert path.
func (s *Store) SetDisposition(ctx context.Context, id string, d email.Disposition) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET disposition = ? WHERE id = ? AND disposition IS NULL", string(d), id,
	)
	if err != nil {
		return fmt.Errorf("setting disposition for %s: %w", id, err)
	}
	return nil
}

// SetProcessingError records a processing failure against a stored message.
func (s *Store) SetProcessingError(ctx context.Context, id string, msg string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE messages SET processing_error = ? WHERE id = ?", msg, id,
	)
	if err != nil {
		return fmt.Errorf("setting processing error for %s: %w", id, err)
	}
	return nil
}

// StoredMessage is the database view of an ingested message.
type StoredMessage struct {
	ID                string
	ProviderMessageID string
	Source            string
	From              string
	To                []string
	Subject           string
	TextBody          string
	HTMLBody          string
	RawSource         []byte
	Headers           map[string][]string
	ReceiptRule       string
	Disposition       string
	ProcessingError   string
	ReceivedAt        time.Time
}

// GetByProviderMessageID looks up a message by its provider identifier.
func (s *Store) GetByProviderMessageID(ctx context.Context, providerID string) (*StoredMessage, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, provider_message_id, source, from_email, to_emails,
			COALESCE(subject, ''), COALESCE(body_text, ''), COALESCE(body_html, ''),
			raw_email, headers, COALESCE(receipt_rule, ''), COALESCE(disposition, ''),
			COALESCE(processing_error, ''), received_at
		FROM messages WHERE provider_message_id = ?`, providerID)

	var (
		m           StoredMessage
		toJSON      string
		rawSrc      []byte
		headersJSON []byte
		recvdAt     time.Time
	)
	err := row.Scan(
		&m.ID, &m.ProviderMessageID, &m.Source, &m.From, &toJSON,
		&m.Subject, &m.TextBody, &m.HTMLBody,
		&rawSrc, &headersJSON, &m.ReceiptRule, &m.Disposition,
		&m.ProcessingError, &recvdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", providerID, err)
	}

	if err := json.Unmarshal([]byte(toJSON), &m.To); err != nil {
		return nil, fmt.Errorf("unmarshaling recipients: %w", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &m.Headers); err != nil {
			return nil, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}
	m.RawSource = rawSrc
	m.ReceivedAt = recvdAt
	return &m, nil
}

// CountMessages returns the total number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages"); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// StoredAttachment is the database view of an attachment metadata row.
type StoredAttachment struct {
	MessageID   string
	Position    int
	Filename    string
	ContentType string
	SizeBytes   int64
	FileURL     string
}

// GetAttachments returns the attachment metadata rows for a message, in
// original MIME order.
func (s *Store) GetAttachments(ctx context.Context, messageID string) ([]StoredAttachment, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT message_id, position, filename, COALESCE(content_type, ''),
			size_bytes, COALESCE(file_url, '')
		FROM attachments WHERE message_id = ? ORDER BY position`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments for %s: %w", messageID, err)
	}
	defer rows.Close()

	var atts []StoredAttachment
	for rows.Next() {
		var a StoredAttachment
		if err := rows.Scan(&a.MessageID, &a.Position, &a.Filename, &a.ContentType, &a.SizeBytes, &a.FileURL); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// nullable maps empty strings to NULL so COALESCE-based conflict updates
// can distinguish "never set" from "set to empty".
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
