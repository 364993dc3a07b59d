package sync

import (
	"context"
	"time"

	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
)

// Store is the narrow persistence contract the sync subsystem reads and
// writes through. Implemented by db.Store; tests substitute in-memory
// fakes.
type Store interface {
	GetConnection(ctx context.Context, connectionID string) (*models.Connection, error)
	UpdateConnectionTokens(ctx context.Context, connectionID, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error
	TouchLastRefreshed(ctx context.Context, connectionID string, refreshedAt time.Time) error
	MarkConnectionIssue(ctx context.Context, connectionID string) error
	MarkConnectionSynced(ctx context.Context, connectionID string, syncedAt time.Time) error

	InsertMessages(ctx context.Context, messages []*models.Message) (int, error)
	LatestMessageTime(ctx context.Context, connectionID string) (*time.Time, error)

	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*models.Subscription, error)
	ListExpiringSubscriptions(ctx context.Context, before time.Time) ([]*models.Subscription, error)
	UpdateSubscriptionExpiry(ctx context.Context, subscriptionID string, expiresAt time.Time) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
}

// MailAPI is the slice of the provider client the sync subsystem calls.
type MailAPI interface {
	ListMessages(ctx context.Context, accessToken string, window provider.Window, nextLink string) (*provider.MessagePage, error)
	ListConversation(ctx context.Context, accessToken, conversationID string) ([]provider.Message, error)
	GetMessage(ctx context.Context, accessToken, messageID string) (*provider.Message, error)
	VerifyToken(ctx context.Context, accessToken string) error
	CreateSubscription(ctx context.Context, accessToken, resource, notificationURL, clientState string, expiresAt time.Time) (*provider.SubscriptionResponse, error)
	RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt time.Time) (*provider.SubscriptionResponse, error)
	DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error
}

// TokenAPI exchanges refresh tokens at the provider's token endpoint.
type TokenAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*provider.TokenResponse, error)
}

var (
	_ Store    = (*db.Store)(nil)
	_ MailAPI  = (*provider.Client)(nil)
	_ TokenAPI = (*provider.TokenClient)(nil)
)
