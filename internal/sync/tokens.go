package sync

import (
	"context"
	stdsync "sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/quillbox/backend/internal/provider"
)

// TokenManager hands out live access tokens for connections, refreshing
// them at the provider's token endpoint when they expire or get rejected.
// It is the sole mutator of a connection's token fields.
type TokenManager struct {
	store  Store
	tokens TokenAPI

	// group collapses concurrent refreshes for the same connection into a
	// single token-endpoint call.
	group singleflight.Group

	mu       stdsync.Mutex
	rejected map[string]string // connection id -> access token reported rejected
}

func NewTokenManager(store Store, tokens TokenAPI) *TokenManager {
	return &TokenManager{
		store:    store,
		tokens:   tokens,
		rejected: make(map[string]string),
	}
}

// GetValidToken returns an access token the provider should accept. The
// stored token is returned without any network call while it is unexpired
// and not reported rejected; otherwise a refresh is performed.
func (m *TokenManager) GetValidToken(ctx context.Context, connectionID string) (string, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}

	if !conn.Connected {
		return "", &provider.Error{Kind: provider.ErrAuth, Message: "connection is disconnected"}
	}

	if !conn.TokenExpired(time.Now()) && !m.wasRejected(connectionID, conn.AccessToken) {
		return conn.AccessToken, nil
	}

	return m.refresh(ctx, connectionID)
}

// ReportRejected tells the manager that a token it handed out came back
// with a 401-class rejection. The next GetValidToken for the connection
// forces a refresh even if the token looks unexpired by our clock.
func (m *TokenManager) ReportRejected(connectionID, accessToken string) {
	m.mu.Lock()
	m.rejected[connectionID] = accessToken
	m.mu.Unlock()
}

func (m *TokenManager) wasRejected(connectionID, accessToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejected[connectionID] == accessToken
}

func (m *TokenManager) clearRejected(connectionID string) {
	m.mu.Lock()
	delete(m.rejected, connectionID)
	m.mu.Unlock()
}

// refresh performs the token exchange. Concurrent callers for the same
// connection share one in-flight exchange and all receive its result.
func (m *TokenManager) refresh(ctx context.Context, connectionID string) (string, error) {
	token, err, _ := m.group.Do(connectionID, func() (interface{}, error) {
		return m.doRefresh(ctx, connectionID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *TokenManager) doRefresh(ctx context.Context, connectionID string) (string, error) {
	// Re-read inside the flight: a refresh that completed while we waited
	// on the singleflight lock already stored a usable token.
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !conn.TokenExpired(time.Now()) && !m.wasRejected(connectionID, conn.AccessToken) {
		return conn.AccessToken, nil
	}

	if conn.RefreshToken == "" {
		if err := m.store.MarkConnectionIssue(ctx, connectionID); err != nil {
			log.WithError(err).WithField("connection_id", connectionID).Error("failed to mark connection issue")
		}
		return "", &provider.Error{Kind: provider.ErrInvalidGrant, Message: "connection has no refresh token"}
	}

	now := time.Now()
	response, err := m.tokens.Refresh(ctx, conn.RefreshToken)
	if err != nil {
		// Record the attempt even when it failed.
		if touchErr := m.store.TouchLastRefreshed(ctx, connectionID, now); touchErr != nil {
			log.WithError(touchErr).WithField("connection_id", connectionID).Error("failed to record refresh attempt")
		}

		if provider.IsInvalidGrant(err) {
			log.WithField("connection_id", connectionID).Warn("refresh token rejected, disconnecting connection")
			if markErr := m.store.MarkConnectionIssue(ctx, connectionID); markErr != nil {
				log.WithError(markErr).WithField("connection_id", connectionID).Error("failed to mark connection issue")
			}
		}
		return "", err
	}

	refreshToken := response.RefreshToken // empty when the provider did not rotate it
	if err := m.store.UpdateConnectionTokens(ctx, connectionID, response.AccessToken, refreshToken, response.ExpiresAt(now), now); err != nil {
		return "", err
	}

	m.clearRejected(connectionID)
	log.WithField("connection_id", connectionID).Debug("access token refreshed")
	return response.AccessToken, nil
}
