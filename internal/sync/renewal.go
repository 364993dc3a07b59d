package sync

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
)

const (
	// renewalLookahead selects subscriptions expiring within the next day.
	renewalLookahead = 24 * time.Hour
	// renewalExtension is how far each renewal pushes the expiry out.
	renewalExtension = 3 * 24 * time.Hour
)

// RenewExpiringSubscriptions extends every subscription expiring within
// the lookahead horizon. Subscriptions are processed independently; one
// failure never blocks the rest. Returns the number renewed.
func (s *Service) RenewExpiringSubscriptions(ctx context.Context) (int, error) {
	subs, err := s.store.ListExpiringSubscriptions(ctx, time.Now().Add(renewalLookahead))
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, sub := range subs {
		if err := s.renewSubscription(ctx, sub); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"subscription_id": sub.ID,
				"connection_id":   sub.ConnectionID,
			}).Warn("failed to renew subscription")
			continue
		}
		renewed++
	}

	log.WithFields(log.Fields{"expiring": len(subs), "renewed": renewed}).Info("subscription renewal sweep finished")
	return renewed, nil
}

func (s *Service) renewSubscription(ctx context.Context, sub *models.Subscription) error {
	newExpiry := time.Now().Add(renewalExtension)

	response, err := withFreshToken(ctx, s.tokens, sub.ConnectionID, func(token string) (*provider.SubscriptionResponse, error) {
		return provider.DoValue(ctx, provider.DefaultRetryPolicy, func() (*provider.SubscriptionResponse, error) {
			return s.api.RenewSubscription(ctx, token, sub.ProviderSubscriptionID, newExpiry)
		})
	})
	if err != nil {
		if provider.IsAuth(err) {
			log.WithField("connection_id", sub.ConnectionID).Warn("provider rejected credentials during renewal, disconnecting connection")
			if markErr := s.store.MarkConnectionIssue(ctx, sub.ConnectionID); markErr != nil {
				log.WithError(markErr).WithField("connection_id", sub.ConnectionID).Error("failed to mark connection issue")
			}
		}
		return err
	}

	if !response.ExpirationDateTime.IsZero() {
		newExpiry = response.ExpirationDateTime
	}
	return s.store.UpdateSubscriptionExpiry(ctx, sub.ID, newExpiry)
}

// EnsureSubscription registers a push-notification subscription for the
// connection's resource, replacing any stored row for the same
// (connection, resource) pair. Called when a connection is linked.
func (s *Service) EnsureSubscription(ctx context.Context, connectionID, resource, notificationURL string) (*models.Subscription, error) {
	clientState := uuid.NewString()
	expiresAt := time.Now().Add(renewalExtension)

	response, err := withFreshToken(ctx, s.tokens, connectionID, func(token string) (*provider.SubscriptionResponse, error) {
		return provider.DoValue(ctx, provider.DefaultRetryPolicy, func() (*provider.SubscriptionResponse, error) {
			return s.api.CreateSubscription(ctx, token, resource, notificationURL, clientState, expiresAt)
		})
	})
	if err != nil {
		return nil, err
	}

	if !response.ExpirationDateTime.IsZero() {
		expiresAt = response.ExpirationDateTime
	}

	sub := &models.Subscription{
		ProviderSubscriptionID: response.ID,
		ConnectionID:           connectionID,
		Resource:               resource,
		ClientState:            clientState,
		ExpiresAt:              expiresAt,
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// RemoveSubscription revokes the provider-side registration and deletes
// the stored row. Called when a connection is unlinked.
func (s *Service) RemoveSubscription(ctx context.Context, sub *models.Subscription) error {
	_, err := withFreshToken(ctx, s.tokens, sub.ConnectionID, func(token string) (struct{}, error) {
		return struct{}{}, s.api.DeleteSubscription(ctx, token, sub.ProviderSubscriptionID)
	})
	if err != nil && !provider.IsAuth(err) {
		return err
	}

	return s.store.DeleteSubscription(ctx, sub.ID)
}
