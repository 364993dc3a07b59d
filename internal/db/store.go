// Package db implements the relational store behind the sync subsystem:
// connection credentials, ingested messages, and push-notification
// subscriptions.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quillbox/backend/internal/crypto"
)

// Store wraps the connection pool together with the encryptor used for
// credential columns. All access to the mail-sync tables goes through it.
type Store struct {
	pool      *pgxpool.Pool
	encryptor *crypto.Encryptor
}

// NewStore creates a Store on top of an existing pool.
func NewStore(pool *pgxpool.Pool, encryptor *crypto.Encryptor) *Store {
	return &Store{
		pool:      pool,
		encryptor: encryptor,
	}
}

// Pool exposes the underlying pool for read-side queries owned by other
// packages.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// GetOrCreateUser returns the user's id for the given email.
// If no user exists with that email, it creates a new one.
func (s *Store) GetOrCreateUser(ctx context.Context, email string) (string, error) {
	var userID string

	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (email)
		VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id
	`, email).Scan(&userID)

	if err != nil {
		return "", fmt.Errorf("failed to get or create user: %w", err)
	}

	return userID, nil
}
