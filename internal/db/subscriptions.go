package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/quillbox/backend/internal/models"
)

// ErrSubscriptionNotFound is returned when a requested subscription cannot be found.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// SaveSubscription inserts or updates the subscription for its
// (connection, resource) pair. There is exactly one row per pair; renewing
// or re-registering replaces the provider id, secret, and expiry in place.
func (s *Store) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (
			provider_subscription_id,
			connection_id,
			resource,
			client_state,
			expires_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (connection_id, resource) DO UPDATE SET
			provider_subscription_id = EXCLUDED.provider_subscription_id,
			client_state = EXCLUDED.client_state,
			expires_at = EXCLUDED.expires_at
		RETURNING id
	`,
		sub.ProviderSubscriptionID,
		sub.ConnectionID,
		sub.Resource,
		sub.ClientState,
		sub.ExpiresAt,
	).Scan(&sub.ID)

	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}

// GetSubscriptionByProviderID looks up a subscription by the id the
// provider stamps on webhook notifications.
func (s *Store) GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription

	err := s.pool.QueryRow(ctx, `
		SELECT id, provider_subscription_id, connection_id, resource, client_state, expires_at
		FROM subscriptions
		WHERE provider_subscription_id = $1
	`, providerSubscriptionID).Scan(
		&sub.ID,
		&sub.ProviderSubscriptionID,
		&sub.ConnectionID,
		&sub.Resource,
		&sub.ClientState,
		&sub.ExpiresAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}

// ListExpiringSubscriptions returns subscriptions expiring before the given
// deadline, oldest expiry first.
func (s *Store) ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]*models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider_subscription_id, connection_id, resource, client_state, expires_at
		FROM subscriptions
		WHERE expires_at < $1
		ORDER BY expires_at
	`, before)

	if err != nil {
		return nil, fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(
			&sub.ID,
			&sub.ProviderSubscriptionID,
			&sub.ConnectionID,
			&sub.Resource,
			&sub.ClientState,
			&sub.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, &sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

// UpdateSubscriptionExpiry records a successful renewal.
func (s *Store) UpdateSubscriptionExpiry(ctx context.Context, subscriptionID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = $2
		WHERE id = $1
	`, subscriptionID, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update subscription expiry: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription row after the provider-side
// registration has been revoked.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE id = $1
	`, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
