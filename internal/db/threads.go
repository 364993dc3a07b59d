package db

import (
	"context"
	"fmt"

	"github.com/quillbox/backend/internal/models"
)

// Threads are not stored; they are derived from messages sharing a
// conversation id. The display subject comes from the chronologically
// earliest member, normalized in Go so prefix handling stays in one place.

// ListThreads returns the derived threads for a connection, most recent
// activity first.
func (s *Store) ListThreads(ctx context.Context, connectionID string, limit, offset int) ([]*models.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT
			m.conversation_id,
			COUNT(*) AS message_count,
			MAX(m.received_at) AS last_received_at,
			(SELECT m2.subject FROM messages m2
			 WHERE m2.connection_id = m.connection_id AND m2.conversation_id = m.conversation_id
			 ORDER BY m2.received_at NULLS LAST
			 LIMIT 1) AS first_subject,
			(SELECT m3.from_address FROM messages m3
			 WHERE m3.connection_id = m.connection_id AND m3.conversation_id = m.conversation_id
			 ORDER BY m3.received_at NULLS LAST
			 LIMIT 1) AS first_from_address
		FROM messages m
		WHERE m.connection_id = $1 AND m.conversation_id <> ''
		GROUP BY m.connection_id, m.conversation_id
		ORDER BY last_received_at DESC NULLS LAST
		LIMIT $2 OFFSET $3
	`, connectionID, limit, offset)

	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		var thread models.Thread
		var firstSubject string
		if err := rows.Scan(
			&thread.ConversationID,
			&thread.MessageCount,
			&thread.LastReceivedAt,
			&firstSubject,
			&thread.FromAddress,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		thread.Subject = models.NormalizeSubject(firstSubject)
		threads = append(threads, &thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	return threads, nil
}

// GetThreadMessages returns all messages in a conversation, oldest first.
func (s *Store) GetThreadMessages(ctx context.Context, connectionID, conversationID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx, `
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
		WHERE connection_id = $1 AND conversation_id = $2
		ORDER BY received_at NULLS LAST
	`, connectionID, conversationID)

	if err != nil {
		return nil, fmt.Errorf("failed to get thread messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
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
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}

	return messages, nil
}
