// Package sync implements the mailbox synchronization subsystem: token
// lifecycle, paginated fetching with conversation expansion, idempotent
// batch persistence, webhook ingestion, and subscription renewal.
package sync

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
	"github.com/quillbox/backend/internal/websocket"
)

// defaultLookback is the window used for a connection's very first sync
// when the caller gives no explicit range. Backfill passes use
// backfillLookback instead.
const (
	defaultLookback  = 24 * time.Hour
	backfillLookback = 7 * 24 * time.Hour
)

// Service drives end-to-end synchronization passes for mailbox
// connections.
type Service struct {
	store     Store
	api       MailAPI
	tokens    *TokenManager
	fetcher   *Fetcher
	persister *Persister
	hub       *websocket.Hub

	// passes serializes concurrent sync requests for the same connection;
	// callers arriving mid-pass share the running pass's result instead of
	// duplicating the fetch.
	passes singleflight.Group
}

// NewService wires the sync orchestrator. hub may be nil when no UI push
// channel is configured.
func NewService(store Store, api MailAPI, tokenAPI TokenAPI, hub *websocket.Hub) *Service {
	tokens := NewTokenManager(store, tokenAPI)
	return &Service{
		store:     store,
		api:       api,
		tokens:    tokens,
		fetcher:   NewFetcher(api, tokens),
		persister: NewPersister(store),
		hub:       hub,
	}
}

// Tokens exposes the token manager for collaborators that authenticate
// provider calls themselves.
func (s *Service) Tokens() *TokenManager {
	return s.tokens
}

// Sync runs one synchronization pass for a connection. syncFrom/syncTo
// override the computed window when non-nil. The pass degrades gracefully:
// fetch and persist failures reduce the result but only validation and
// authentication failures abort it.
func (s *Service) Sync(ctx context.Context, connectionID string, syncFrom, syncTo *time.Time) (*models.SyncResult, error) {
	result, err, shared := s.passes.Do(connectionID, func() (interface{}, error) {
		return s.runPass(ctx, connectionID, syncFrom, syncTo, defaultLookback)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.WithField("connection_id", connectionID).Debug("joined in-flight sync pass")
	}
	return result.(*models.SyncResult), nil
}

// Backfill runs an initial bulk sync over the last seven days, used right
// after a connection is linked.
func (s *Service) Backfill(ctx context.Context, connectionID string) (*models.SyncResult, error) {
	result, err, _ := s.passes.Do(connectionID, func() (interface{}, error) {
		return s.runPass(ctx, connectionID, nil, nil, backfillLookback)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.SyncResult), nil
}

func (s *Service) runPass(ctx context.Context, connectionID string, syncFrom, syncTo *time.Time, lookback time.Duration) (*models.SyncResult, error) {
	logger := log.WithField("connection_id", connectionID)

	// Validating: the connection must exist and hold a token the provider
	// actually accepts.
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	if err := s.verifyCredentials(ctx, connectionID); err != nil {
		if provider.IsAuth(err) {
			logger.Warn("provider rejected credentials, disconnecting connection")
			if markErr := s.store.MarkConnectionIssue(ctx, connectionID); markErr != nil {
				logger.WithError(markErr).Error("failed to mark connection issue")
			}
		}
		return nil, fmt.Errorf("credential validation failed: %w", err)
	}

	// Fetching: walk the window, accumulating results. A terminal fetch
	// error keeps what was already pulled.
	window := s.computeWindow(ctx, conn, syncFrom, syncTo, lookback)
	logger.WithFields(log.Fields{
		"from": window.From.Format(time.RFC3339),
		"to":   window.To.Format(time.RFC3339),
	}).Info("starting sync pass")

	var fetched []provider.Message
	iterator := s.fetcher.Fetch(connectionID, window)
	for {
		msg, ok, iterErr := iterator.Next(ctx)
		if iterErr != nil {
			if provider.IsAuth(iterErr) {
				// An unrecoverable rejection mid-fetch is fatal for the
				// pass; last_synced_at stays put so the window is retried.
				if markErr := s.store.MarkConnectionIssue(ctx, connectionID); markErr != nil {
					logger.WithError(markErr).Error("failed to mark connection issue")
				}
				return nil, fmt.Errorf("fetch aborted: %w", iterErr)
			}
			logger.WithError(iterErr).Warn("fetch stopped early, keeping partial results")
			break
		}
		if !ok {
			break
		}
		fetched = append(fetched, msg)
	}

	// Persisting: bounded batches, failed batches skipped.
	persisted := s.persister.Persist(ctx, connectionID, conn.UserID, fetched)

	// Finalizing: a partial sync is still a successful sync from the
	// connection's point of view.
	syncedAt := time.Now()
	if err := s.store.MarkConnectionSynced(ctx, connectionID, syncedAt); err != nil {
		logger.WithError(err).Error("failed to update last-synced timestamp")
	}

	logger.WithFields(log.Fields{
		"fetched":   len(fetched),
		"persisted": persisted,
	}).Info("sync pass finished")

	s.notify(conn.UserID, map[string]any{
		"type":          "sync_completed",
		"connection_id": connectionID,
		"new_messages":  persisted,
	})

	return &models.SyncResult{
		Success:           true,
		MessagesProcessed: persisted,
		LastSynced:        syncedAt,
	}, nil
}

// verifyCredentials makes the lightweight probe call, allowing one forced
// refresh when the provider rejects a token that is unexpired by our clock.
func (s *Service) verifyCredentials(ctx context.Context, connectionID string) error {
	_, err := withFreshToken(ctx, s.tokens, connectionID, func(token string) (struct{}, error) {
		return struct{}{}, s.api.VerifyToken(ctx, token)
	})
	return err
}

// computeWindow picks the half-open interval [from, to) for a pass.
// Explicit bounds win; otherwise the window starts at the most recently
// stored message so incremental syncs are forward-only and gapless, or at
// the lookback default for a connection with nothing stored yet.
func (s *Service) computeWindow(ctx context.Context, conn *models.Connection, syncFrom, syncTo *time.Time, lookback time.Duration) provider.Window {
	now := time.Now()

	window := provider.Window{To: now}
	if syncTo != nil {
		window.To = *syncTo
	}

	if syncFrom != nil {
		window.From = *syncFrom
		return window
	}

	latest, err := s.store.LatestMessageTime(ctx, conn.ID)
	if err != nil {
		log.WithError(err).WithField("connection_id", conn.ID).Warn("failed to read latest message time, using default window")
	}
	if latest != nil {
		window.From = *latest
	} else {
		window.From = now.Add(-lookback)
	}
	return window
}

func (s *Service) notify(userID string, event map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.SendEvent(userID, event)
}
