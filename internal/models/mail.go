package models

import "time"

// Connection statuses. A connection moves to StatusIssue when the provider
// rejects its credentials and a token refresh could not recover them.
const (
	StatusActive  = "active"
	StatusIssue   = "issue"
	StatusPending = "pending"
)

// Connection represents one linked external mailbox and its credentials.
type Connection struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Provider        string     `json:"provider"`
	MailboxAddress  string     `json:"mailbox_address"`
	AccessToken     string     `json:"-"`
	RefreshToken    string     `json:"-"`
	TokenExpiresAt  time.Time  `json:"token_expires_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	Status          string     `json:"status"`
	Connected       bool       `json:"connected"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
}

// TokenExpired reports whether the stored access token is past its expiry.
// A small skew is subtracted so a token about to expire is treated as expired
// rather than failing its first use.
func (c *Connection) TokenExpired(now time.Time) bool {
	return !now.Add(2 * time.Minute).Before(c.TokenExpiresAt)
}

// Message is one ingested mail item.
type Message struct {
	ID                string     `json:"id"`
	ConnectionID      string     `json:"connection_id"`
	UserID            string     `json:"user_id"`
	ProviderMessageID string     `json:"provider_message_id"`
	ConversationID    string     `json:"conversation_id"`
	InternetMessageID string     `json:"internet_message_id,omitempty"`
	Subject           string     `json:"subject"`
	FromAddress       string     `json:"from_address"`
	FromName          string     `json:"from_name,omitempty"`
	BodyHTML          string     `json:"body_html,omitempty"`
	BodyText          string     `json:"body_text,omitempty"`
	ReceivedAt        *time.Time `json:"received_at"`
	IsRead            bool       `json:"is_read"`
}

// Thread is a derived grouping of messages sharing a conversation id.
// It is never stored; the subject comes from the chronologically earliest
// member after stripping reply/forward prefixes.
type Thread struct {
	ConversationID string     `json:"conversation_id"`
	Subject        string     `json:"subject"`
	FromAddress    string     `json:"from_address"`
	MessageCount   int        `json:"message_count"`
	LastReceivedAt *time.Time `json:"last_received_at"`
	Messages       []*Message `json:"messages,omitempty"`
}

// Subscription is a push-notification registration with the provider.
type Subscription struct {
	ID                     string    `json:"id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	ConnectionID           string    `json:"connection_id"`
	Resource               string    `json:"resource"`
	ClientState            string    `json:"-"`
	ExpiresAt              time.Time `json:"expires_at"`
}

// SyncResult is reported to the caller of a sync pass.
type SyncResult struct {
	Success           bool      `json:"success"`
	MessagesProcessed int       `json:"messagesProcessed"`
	LastSynced        time.Time `json:"lastSynced"`
}
