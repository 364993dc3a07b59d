package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
)

// fakeStore is an in-memory Store with the same natural-key dedup
// semantics as the real one.
type fakeStore struct {
	mu stdsync.Mutex

	connections   map[string]*models.Connection
	messages      []*models.Message
	byProviderID  map[string]struct{}
	byInternetID  map[string]struct{}
	subscriptions map[string]*models.Subscription

	failBatchesContaining string // provider message id that poisons its batch
	insertCalls           int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connections:   make(map[string]*models.Connection),
		byProviderID:  make(map[string]struct{}),
		byInternetID:  make(map[string]struct{}),
		subscriptions: make(map[string]*models.Subscription),
	}
}

func (f *fakeStore) addConnection(conn *models.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[conn.ID] = conn
}

func (f *fakeStore) GetConnection(_ context.Context, connectionID string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.connections[connectionID]
	if !ok {
		return nil, errors.New("connection not found")
	}
	copied := *conn
	return &copied, nil
}

func (f *fakeStore) UpdateConnectionTokens(_ context.Context, connectionID, accessToken, refreshToken string, expiresAt, refreshedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.connections[connectionID]
	conn.AccessToken = accessToken
	if refreshToken != "" {
		conn.RefreshToken = refreshToken
	}
	conn.TokenExpiresAt = expiresAt
	conn.LastRefreshedAt = &refreshedAt
	return nil
}

func (f *fakeStore) TouchLastRefreshed(_ context.Context, connectionID string, refreshedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[connectionID].LastRefreshedAt = &refreshedAt
	return nil
}

func (f *fakeStore) MarkConnectionIssue(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.connections[connectionID]
	conn.Status = models.StatusIssue
	conn.Connected = false
	return nil
}

func (f *fakeStore) MarkConnectionSynced(_ context.Context, connectionID string, syncedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.connections[connectionID]
	if conn.LastSyncedAt == nil || conn.LastSyncedAt.Before(syncedAt) {
		conn.LastSyncedAt = &syncedAt
	}
	conn.Status = models.StatusActive
	return nil
}

func (f *fakeStore) InsertMessages(_ context.Context, messages []*models.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++

	if f.failBatchesContaining != "" {
		for _, msg := range messages {
			if msg.ProviderMessageID == f.failBatchesContaining {
				return 0, errors.New("simulated batch failure")
			}
		}
	}

	inserted := 0
	for _, msg := range messages {
		providerKey := msg.ProviderMessageID + "/" + msg.UserID
		if _, ok := f.byProviderID[providerKey]; ok {
			continue
		}
		if msg.InternetMessageID != "" {
			internetKey := msg.InternetMessageID + "/" + msg.UserID
			if _, ok := f.byInternetID[internetKey]; ok {
				continue
			}
			f.byInternetID[internetKey] = struct{}{}
		}
		f.byProviderID[providerKey] = struct{}{}
		f.messages = append(f.messages, msg)
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) LatestMessageTime(_ context.Context, connectionID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for _, msg := range f.messages {
		if msg.ConnectionID != connectionID || msg.ReceivedAt == nil {
			continue
		}
		if latest == nil || msg.ReceivedAt.After(*latest) {
			latest = msg.ReceivedAt
		}
	}
	return latest, nil
}

func (f *fakeStore) SaveSubscription(_ context.Context, sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == "" {
		sub.ID = "sub-" + sub.ProviderSubscriptionID
	}
	f.subscriptions[sub.ID] = sub
	return nil
}

func (f *fakeStore) GetSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subscriptions {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			copied := *sub
			return &copied, nil
		}
	}
	return nil, errNotFound
}

func (f *fakeStore) ListExpiringSubscriptions(_ context.Context, before time.Time) ([]*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []*models.Subscription
	for _, sub := range f.subscriptions {
		if sub.ExpiresAt.Before(before) {
			copied := *sub
			subs = append(subs, &copied)
		}
	}
	return subs, nil
}

func (f *fakeStore) UpdateSubscriptionExpiry(_ context.Context, subscriptionID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subscriptions[subscriptionID]
	if !ok {
		return errNotFound
	}
	sub.ExpiresAt = expiresAt
	return nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscriptions, subscriptionID)
	return nil
}

var errNotFound = db.ErrSubscriptionNotFound

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// fakeMailAPI serves canned pages and records the windows it was asked
// for.
type fakeMailAPI struct {
	mu stdsync.Mutex

	pages         []*provider.MessagePage
	conversations map[string][]provider.Message
	messages      map[string]*provider.Message

	listCalls     int
	windows       []provider.Window
	listErrs      []error // consumed one per ListMessages call before pages
	verifyErr     error
	verifyErrOnce bool
	renewErr      error
	renewedIDs    []string
}

func newFakeMailAPI() *fakeMailAPI {
	return &fakeMailAPI{
		conversations: make(map[string][]provider.Message),
		messages:      make(map[string]*provider.Message),
	}
}

func (f *fakeMailAPI) ListMessages(_ context.Context, _ string, window provider.Window, nextLink string) (*provider.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	if nextLink == "" {
		f.windows = append(f.windows, window)
	}

	index := f.listCalls
	f.listCalls++
	if index >= len(f.pages) {
		return &provider.MessagePage{}, nil
	}
	return f.pages[index], nil
}

func (f *fakeMailAPI) ListConversation(_ context.Context, _ string, conversationID string) ([]provider.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[conversationID], nil
}

func (f *fakeMailAPI) GetMessage(_ context.Context, _ string, messageID string) (*provider.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.messages[messageID]
	if !ok {
		return nil, &provider.Error{Kind: provider.ErrNotFound, Message: "no such message"}
	}
	return msg, nil
}

func (f *fakeMailAPI) VerifyToken(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.verifyErr
	if f.verifyErrOnce {
		f.verifyErr = nil
	}
	return err
}

func (f *fakeMailAPI) CreateSubscription(_ context.Context, _ string, resource, _, clientState string, expiresAt time.Time) (*provider.SubscriptionResponse, error) {
	return &provider.SubscriptionResponse{
		ID:                 "provider-sub-1",
		Resource:           resource,
		ClientState:        clientState,
		ExpirationDateTime: expiresAt,
	}, nil
}

func (f *fakeMailAPI) RenewSubscription(_ context.Context, _ string, subscriptionID string, expiresAt time.Time) (*provider.SubscriptionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewErr != nil {
		return nil, f.renewErr
	}
	f.renewedIDs = append(f.renewedIDs, subscriptionID)
	return &provider.SubscriptionResponse{ID: subscriptionID, ExpirationDateTime: expiresAt}, nil
}

func (f *fakeMailAPI) DeleteSubscription(context.Context, string, string) error {
	return nil
}

// fakeTokenAPI counts refresh calls and can block to let tests pile up
// concurrent callers.
type fakeTokenAPI struct {
	mu       stdsync.Mutex
	calls    int
	err      error
	response *provider.TokenResponse
	barrier  chan struct{} // when set, Refresh waits on it
}

func (f *fakeTokenAPI) Refresh(ctx context.Context, _ string) (*provider.TokenResponse, error) {
	f.mu.Lock()
	f.calls++
	barrier := f.barrier
	f.mu.Unlock()

	if barrier != nil {
		select {
		case <-barrier:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return &provider.TokenResponse{AccessToken: "fresh-token", ExpiresIn: 3600}, nil
}

func (f *fakeTokenAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func activeConnection(id string) *models.Connection {
	return &models.Connection{
		ID:             id,
		UserID:         "user-1",
		Provider:       "outlook",
		MailboxAddress: "support@example.com",
		AccessToken:    "stored-token",
		RefreshToken:   "stored-refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
		Status:         models.StatusActive,
		Connected:      true,
	}
}

func providerMessage(id, conversationID, subject string, receivedAt time.Time) provider.Message {
	return provider.Message{
		ID:                id,
		ConversationID:    conversationID,
		InternetMessageID: "<" + id + "@example.com>",
		Subject:           subject,
		From: provider.Recipient{
			EmailAddress: provider.EmailAddress{Name: "A Customer", Address: "customer@example.com"},
		},
		Body:             provider.ItemBody{ContentType: "html", Content: "<p>hello</p>"},
		BodyPreview:      "hello",
		ReceivedDateTime: receivedAt,
	}
}
