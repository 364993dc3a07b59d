package sync

import (
	"context"
	"crypto/subtle"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/provider"
)

// Notification is one entry of a provider push delivery.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`

	ResourceData struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// NotificationPayload is the body of a webhook delivery.
type NotificationPayload struct {
	Value []Notification `json:"value"`
}

// ProcessNotifications ingests each entry of a webhook delivery
// independently: a spoofed, stale, or failing entry is skipped and the
// rest still land. Returns the number of entries that persisted a message.
func (s *Service) ProcessNotifications(ctx context.Context, notifications []Notification) int {
	processed := 0
	for _, notification := range notifications {
		if err := s.processNotification(ctx, notification); err != nil {
			log.WithError(err).WithField("subscription_id", notification.SubscriptionID).Warn("skipping webhook notification")
			continue
		}
		processed++
	}
	return processed
}

func (s *Service) processNotification(ctx context.Context, notification Notification) error {
	sub, err := s.store.GetSubscriptionByProviderID(ctx, notification.SubscriptionID)
	if err != nil {
		if errors.Is(err, db.ErrSubscriptionNotFound) {
			return errors.New("unknown subscription")
		}
		return err
	}

	// clientState is the shared secret handed to the provider at
	// registration; a mismatch means the notification was not sent by it.
	if subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(notification.ClientState)) != 1 {
		return errors.New("client state mismatch")
	}

	conn, err := s.store.GetConnection(ctx, sub.ConnectionID)
	if err != nil {
		return err
	}

	messageID := notification.ResourceData.ID
	if messageID == "" {
		messageID = messageIDFromResource(notification.Resource)
	}
	if messageID == "" {
		return errors.New("notification does not reference a message")
	}

	msg, err := withFreshToken(ctx, s.tokens, conn.ID, func(token string) (*provider.Message, error) {
		return provider.DoValue(ctx, provider.DefaultRetryPolicy, func() (*provider.Message, error) {
			return s.api.GetMessage(ctx, token, messageID)
		})
	})
	if err != nil {
		if provider.IsAuth(err) {
			log.WithField("connection_id", conn.ID).Warn("provider rejected credentials during webhook fetch, disconnecting connection")
			if markErr := s.store.MarkConnectionIssue(ctx, conn.ID); markErr != nil {
				log.WithError(markErr).WithField("connection_id", conn.ID).Error("failed to mark connection issue")
			}
		}
		return err
	}

	persisted := s.persister.Persist(ctx, conn.ID, conn.UserID, []provider.Message{*msg})
	if persisted > 0 {
		s.notify(conn.UserID, map[string]any{
			"type":          "message_ingested",
			"connection_id": conn.ID,
			"message_id":    msg.ID,
		})
	}
	return nil
}

// messageIDFromResource extracts the trailing message id from a resource
// path like "users/{user}/messages/{id}".
func messageIDFromResource(resource string) string {
	for i := len(resource) - 1; i >= 0; i-- {
		if resource[i] == '/' {
			return resource[i+1:]
		}
	}
	return ""
}
