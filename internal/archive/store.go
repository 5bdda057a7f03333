// Package archive provides the durable PostgreSQL copy of every message
// appended to a conversation stream. The live document store stays the
// source of truth for clients; the archive exists for retention and review.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists archived messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Record is one archived message. EntryID is the stream entry ID; together
// with the conversation it makes the insert idempotent.
type Record struct {
	ConversationID string
	EntryID        string
	SenderID       string
	Type           string
	Text           string
	FileURL        string
	SentAt         int64 // unix millis, store-assigned
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("archive: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("archive: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("archive: init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("archive: apply migrations: %w", err)
	}
	return nil
}

// Insert archives one message. Re-delivery of the same stream entry is a
// no-op thanks to the uniqueness of (conversation_id, entry_id).
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	const query = `
		INSERT INTO archived_messages (conversation_id, entry_id, sender_id, msg_type, body, file_url, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation_id, entry_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		rec.ConversationID,
		rec.EntryID,
		rec.SenderID,
		rec.Type,
		rec.Text,
		rec.FileURL,
		rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}

// Count returns how many messages are archived for a conversation.
func (s *Store) Count(ctx context.Context, conversationID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM archived_messages
		WHERE conversation_id = $1`

	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return count, nil
}

// Recent returns the newest messages of a conversation, most recent first.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	const query = `
		SELECT conversation_id, entry_id, sender_id, msg_type, body, file_url, sent_at
		FROM archived_messages
		WHERE conversation_id = $1
		ORDER BY sent_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ConversationID, &rec.EntryID, &rec.SenderID, &rec.Type, &rec.Text, &rec.FileURL, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate: %w", err)
	}
	return out, nil
}
