package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quillbox/backend/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

// InsertMessages writes a batch of messages inside one transaction and
// returns the number of rows actually inserted. Rows that collide on the
// (provider_message_id, user_id) or (internet_message_id, user_id) unique
// keys are skipped, not overwritten; re-ingesting the same window is a
// no-op.
func (s *Store) InsertMessages(ctx context.Context, messages []*models.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, msg := range messages {
		var internetMessageID *string
		if msg.InternetMessageID != "" {
			internetMessageID = &msg.InternetMessageID
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (
				id,
				connection_id,
				user_id,
				provider_message_id,
				conversation_id,
				internet_message_id,
				subject,
				from_address,
				from_name,
				body_html,
				body_text,
				received_at,
				is_read
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT DO NOTHING
		`,
			msg.ID,
			msg.ConnectionID,
			msg.UserID,
			msg.ProviderMessageID,
			msg.ConversationID,
			internetMessageID,
			msg.Subject,
			msg.FromAddress,
			msg.FromName,
			msg.BodyHTML,
			msg.BodyText,
			msg.ReceivedAt,
			msg.IsRead,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert message %s: %w", msg.ProviderMessageID, err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit message batch: %w", err)
	}

	return inserted, nil
}

// LatestMessageTime returns the received timestamp of the most recently
// stored message for a connection, or nil when none exist yet. Drives the
// forward-only incremental sync window.
func (s *Store) LatestMessageTime(ctx context.Context, connectionID string) (*time.Time, error) {
	var latest *time.Time

	err := s.pool.QueryRow(ctx, `
		SELECT MAX(received_at)
		FROM messages
		WHERE connection_id = $1
	`, connectionID).Scan(&latest)

	if err != nil {
		return nil, fmt.Errorf("failed to get latest message time: %w", err)
	}

	return latest, nil
}

// GetMessageByProviderID returns a stored message by its provider id.
func (s *Store) GetMessageByProviderID(ctx context.Context, userID, providerMessageID string) (*models.Message, error) {
	var msg models.Message

	err := s.pool.QueryRow(ctx, `
		SELECT
			id,
			connection_id,
			user_id,
			provider_message_id,
			conversation_id,
			COALESCE(internet_message_id, ''),
			subject,
			from_address,
			from_name,
			body_html,
			body_text,
			received_at,
			is_read
		FROM messages
		WHERE user_id = $1 AND provider_message_id = $2
	`, userID, providerMessageID).Scan(
		&msg.ID,
		&msg.ConnectionID,
		&msg.UserID,
		&msg.ProviderMessageID,
		&msg.ConversationID,
		&msg.InternetMessageID,
		&msg.Subject,
		&msg.FromAddress,
		&msg.FromName,
		&msg.BodyHTML,
		&msg.BodyText,
		&msg.ReceivedAt,
		&msg.IsRead,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &msg, nil
}

// CountMessages returns the number of stored messages for a connection.
func (s *Store) CountMessages(ctx context.Context, connectionID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages WHERE connection_id = $1
	`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}
