package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quillbox/backend/internal/models"
)

// ErrConnectionNotFound is returned when a requested connection cannot be found.
var ErrConnectionNotFound = errors.New("connection not found")

// CreateConnection inserts a new mailbox connection with encrypted tokens.
// The generated id is written back into conn.
func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	encryptedAccess, err := s.encryptor.Encrypt(conn.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	var encryptedRefresh []byte
	if conn.RefreshToken != "" {
		encryptedRefresh, err = s.encryptor.Encrypt(conn.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO connections (
			user_id,
			provider,
			mailbox_address,
			encrypted_access_token,
			encrypted_refresh_token,
			token_expires_at,
			status,
			connected
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		conn.UserID,
		conn.Provider,
		conn.MailboxAddress,
		encryptedAccess,
		encryptedRefresh,
		conn.TokenExpiresAt,
		conn.Status,
		conn.Connected,
	).Scan(&conn.ID)

	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}

	return nil
}

// GetConnection returns a connection with its tokens decrypted.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*models.Connection, error) {
	var (
		conn             models.Connection
		encryptedAccess  []byte
		encryptedRefresh []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT
			id,
			user_id,
			provider,
			mailbox_address,
			encrypted_access_token,
			encrypted_refresh_token,
			token_expires_at,
			last_refreshed_at,
			status,
			connected,
			last_synced_at
		FROM connections
		WHERE id = $1
	`, connectionID).Scan(
		&conn.ID,
		&conn.UserID,
		&conn.Provider,
		&conn.MailboxAddress,
		&encryptedAccess,
		&encryptedRefresh,
		&conn.TokenExpiresAt,
		&conn.LastRefreshedAt,
		&conn.Status,
		&conn.Connected,
		&conn.LastSyncedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConnectionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	conn.AccessToken, err = s.encryptor.Decrypt(encryptedAccess)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	if len(encryptedRefresh) > 0 {
		conn.RefreshToken, err = s.encryptor.Decrypt(encryptedRefresh)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	return &conn, nil
}

// UpdateConnectionTokens stores a fresh access token (and refresh token if
// the provider rotated it) after a successful refresh exchange.
func (s *Store) UpdateConnectionTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	encryptedAccess, err := s.encryptor.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	if refreshToken != "" {
		encryptedRefresh, err := s.encryptor.Encrypt(refreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		_, err = s.pool.Exec(ctx, `
			UPDATE connections
			SET encrypted_access_token = $2,
			    encrypted_refresh_token = $3,
			    token_expires_at = $4,
			    last_refreshed_at = $5
			WHERE id = $1
		`, connectionID, encryptedAccess, encryptedRefresh, expiresAt, refreshedAt)
		if err != nil {
			return fmt.Errorf("failed to update connection tokens: %w", err)
		}
		return nil
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE connections
		SET encrypted_access_token = $2,
		    token_expires_at = $3,
		    last_refreshed_at = $4
		WHERE id = $1
	`, connectionID, encryptedAccess, expiresAt, refreshedAt)
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}

	return nil
}

// TouchLastRefreshed records a refresh attempt that did not produce new
// tokens, so operators can see the connection is still being worked.
func (s *Store) TouchLastRefreshed(ctx context.Context, connectionID string, refreshedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET last_refreshed_at = $2
		WHERE id = $1
	`, connectionID, refreshedAt)
	if err != nil {
		return fmt.Errorf("failed to record refresh attempt: %w", err)
	}
	return nil
}

// MarkConnectionIssue flags the connection as needing user attention and
// disconnects it. Called when the provider rejects credentials and a
// refresh could not recover them.
func (s *Store) MarkConnectionIssue(ctx context.Context, connectionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET status = $2, connected = FALSE
		WHERE id = $1
	`, connectionID, models.StatusIssue)
	if err != nil {
		return fmt.Errorf("failed to mark connection issue: %w", err)
	}
	return nil
}

// MarkConnectionSynced sets the last-synchronized timestamp and restores the
// connection to active. The update is guarded so a slower concurrent pass
// cannot move last_synced_at backwards.
func (s *Store) MarkConnectionSynced(ctx context.Context, connectionID string, syncedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET last_synced_at = $2, status = $3
		WHERE id = $1
		  AND (last_synced_at IS NULL OR last_synced_at < $2)
	`, connectionID, syncedAt, models.StatusActive)
	if err != nil {
		return fmt.Errorf("failed to mark connection synced: %w", err)
	}
	return nil
}
