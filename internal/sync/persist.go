package sync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
)

const (
	persistBatchSize  = 10
	persistBatchDelay = 50 * time.Millisecond
)

// Persister normalizes provider messages into the storage schema and
// writes them in bounded batches with natural-key upsert semantics.
type Persister struct {
	store Store
}

func NewPersister(store Store) *Persister {
	return &Persister{store: store}
}

// Persist writes messages in batches and returns how many rows were newly
// inserted. Duplicates (by provider message id or internet message id) are
// silent no-ops, which makes repeated passes over the same window
// idempotent. A failed batch is logged and skipped; later batches still
// run.
func (p *Persister) Persist(ctx context.Context, connectionID, userID string, messages []provider.Message) int {
	persisted := 0

	for start := 0; start < len(messages); start += persistBatchSize {
		end := start + persistBatchSize
		if end > len(messages) {
			end = len(messages)
		}

		batch := make([]*models.Message, 0, end-start)
		for _, msg := range messages[start:end] {
			batch = append(batch, normalizeMessage(connectionID, userID, msg))
		}

		count, err := p.store.InsertMessages(ctx, batch)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"connection_id": connectionID,
				"batch_start":   start,
				"batch_size":    len(batch),
			}).Error("failed to persist message batch, skipping")
		} else {
			persisted += count
		}

		if end < len(messages) {
			select {
			case <-ctx.Done():
				return persisted
			case <-time.After(persistBatchDelay):
			}
		}
	}

	return persisted
}

// normalizeMessage maps a provider message onto the storage schema.
func normalizeMessage(connectionID, userID string, msg provider.Message) *models.Message {
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = models.NoSubject
	}

	normalized := &models.Message{
		ID:                uuid.NewString(),
		ConnectionID:      connectionID,
		UserID:            userID,
		ProviderMessageID: msg.ID,
		ConversationID:    msg.ConversationID,
		InternetMessageID: msg.InternetMessageID,
		Subject:           subject,
		FromAddress:       msg.From.EmailAddress.Address,
		FromName:          msg.From.EmailAddress.Name,
		IsRead:            msg.IsRead,
	}

	if strings.EqualFold(msg.Body.ContentType, "html") {
		normalized.BodyHTML = msg.Body.Content
		normalized.BodyText = msg.BodyPreview
	} else {
		normalized.BodyText = msg.Body.Content
	}

	if !msg.ReceivedDateTime.IsZero() {
		received := msg.ReceivedDateTime
		normalized.ReceivedAt = &received
	}

	return normalized
}
