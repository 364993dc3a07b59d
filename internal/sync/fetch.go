package sync

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/provider"
)

// Pacing between provider calls keeps a pass under the published rate
// limits; 429 handling on top of this is the retry policy's job.
const (
	pageDelay         = 200 * time.Millisecond
	conversationDelay = 100 * time.Millisecond
)

// Fetcher walks the provider's paged message listing and expands every
// message into its full conversation thread.
type Fetcher struct {
	api    MailAPI
	tokens *TokenManager
	retry  provider.RetryPolicy
}

func NewFetcher(api MailAPI, tokens *TokenManager) *Fetcher {
	return &Fetcher{
		api:    api,
		tokens: tokens,
		retry:  provider.DefaultRetryPolicy,
	}
}

// Fetch returns a lazy iterator over all messages received in the window,
// plus the members of every conversation they belong to. Nothing is
// requested until the iterator is consumed.
func (f *Fetcher) Fetch(connectionID string, window provider.Window) *MessageIterator {
	return &MessageIterator{
		fetcher:      f,
		connectionID: connectionID,
		window:       window,
		seen:         make(map[string]struct{}),
	}
}

// MessageIterator is a pull-based, non-restartable sequence of provider
// messages. Pages are fetched over the network only as the consumer
// advances. A terminal error stops pagination but queued messages are
// still drained first; partial results are never discarded.
type MessageIterator struct {
	fetcher      *Fetcher
	connectionID string
	window       provider.Window

	queue    []provider.Message
	seen     map[string]struct{}
	nextLink string
	started  bool
	done     bool
	err      error
}

// Next returns the next message. The boolean is false when the sequence is
// exhausted; the error, if any, is the terminal failure that stopped
// pagination and is only surfaced once all fetched messages have been
// consumed.
func (it *MessageIterator) Next(ctx context.Context) (provider.Message, bool, error) {
	for len(it.queue) == 0 {
		if it.done {
			return provider.Message{}, false, it.err
		}
		if err := it.fetchPage(ctx); err != nil {
			it.done = true
			it.err = err
		}
	}

	msg := it.queue[0]
	it.queue = it.queue[1:]
	return msg, true, nil
}

// Err returns the terminal error once iteration has finished.
func (it *MessageIterator) Err() error {
	return it.err
}

func (it *MessageIterator) fetchPage(ctx context.Context) error {
	if it.started && it.nextLink == "" {
		it.done = true
		return nil
	}
	if it.started {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pageDelay):
		}
	}

	page, err := it.fetcher.listMessages(ctx, it.connectionID, it.window, it.nextLink)
	if err != nil {
		return err
	}

	it.started = true
	it.nextLink = page.NextLink
	if it.nextLink == "" {
		it.done = true
	}

	for _, msg := range page.Value {
		if _, ok := it.seen[msg.ID]; ok {
			continue
		}
		it.seen[msg.ID] = struct{}{}
		it.queue = append(it.queue, msg)

		if msg.ConversationID == "" {
			continue
		}

		// Pull in the rest of the conversation, oldest first, so replies
		// outside the window still land in the thread. A failed expansion
		// only costs us the extra members, not the message itself.
		members, err := it.fetcher.listConversation(ctx, it.connectionID, msg.ConversationID)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"connection_id":   it.connectionID,
				"conversation_id": msg.ConversationID,
			}).Warn("failed to expand conversation")
			continue
		}
		for _, member := range members {
			if _, ok := it.seen[member.ID]; ok {
				continue
			}
			it.seen[member.ID] = struct{}{}
			it.queue = append(it.queue, member)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(conversationDelay):
		}
	}

	return nil
}

// listMessages wraps the page request with retry and a single
// refresh-then-retry on token rejection.
func (f *Fetcher) listMessages(ctx context.Context, connectionID string, window provider.Window, nextLink string) (*provider.MessagePage, error) {
	return withFreshToken(ctx, f.tokens, connectionID, func(token string) (*provider.MessagePage, error) {
		return provider.DoValue(ctx, f.retry, func() (*provider.MessagePage, error) {
			return f.api.ListMessages(ctx, token, window, nextLink)
		})
	})
}

func (f *Fetcher) listConversation(ctx context.Context, connectionID, conversationID string) ([]provider.Message, error) {
	return withFreshToken(ctx, f.tokens, connectionID, func(token string) ([]provider.Message, error) {
		return provider.DoValue(ctx, f.retry, func() ([]provider.Message, error) {
			return f.api.ListConversation(ctx, token, conversationID)
		})
	})
}

// withFreshToken runs fn with a valid access token. If the provider
// rejects the token anyway (revoked but unexpired by our clock), the
// rejection is reported, one refresh is forced, and fn runs once more.
func withFreshToken[T any](ctx context.Context, tokens *TokenManager, connectionID string, fn func(token string) (T, error)) (T, error) {
	var zero T

	token, err := tokens.GetValidToken(ctx, connectionID)
	if err != nil {
		return zero, err
	}

	result, err := fn(token)
	if err == nil || !provider.IsAuth(err) || provider.IsInvalidGrant(err) {
		return result, err
	}

	tokens.ReportRejected(connectionID, token)
	token, refreshErr := tokens.GetValidToken(ctx, connectionID)
	if refreshErr != nil {
		return zero, refreshErr
	}

	return fn(token)
}
