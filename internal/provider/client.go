// Package provider implements the HTTP client for the remote mailbox
// provider: message listing with pagination, conversation expansion, the
// OAuth token endpoint, and push-notification subscriptions.
package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const defaultPageSize = 25

// messageSelectFields limits list responses to the columns we store.
var messageSelectFields = "id,conversationId,internetMessageId,subject,from,body,bodyPreview,receivedDateTime,isRead"

// Message is one mail item as returned by the provider.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	InternetMessageID string    `json:"internetMessageId"`
	Subject           string    `json:"subject"`
	From              Recipient `json:"from"`
	Body              ItemBody  `json:"body"`
	BodyPreview       string    `json:"bodyPreview"`
	ReceivedDateTime  time.Time `json:"receivedDateTime"`
	IsRead            bool      `json:"isRead"`
}

// Recipient wraps the provider's nested address representation.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// ItemBody carries either HTML or plain text content.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// MessagePage is one page of a message listing. NextLink, when non-empty,
// is an absolute continuation URL to the next page.
type MessagePage struct {
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

// Window is a half-open time interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Client talks to the provider's REST API. Access tokens are passed
// explicitly per call; the client holds no credential state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	pageSize   int
}

// NewClient creates a provider client for the given API base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mail-provider",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		pageSize: defaultPageSize,
	}
}

// ListMessages fetches one page of messages received within the window,
// newest first. Pass nextLink from a previous page to continue pagination;
// the window is ignored in that case because the continuation URL already
// encodes the filter.
func (c *Client) ListMessages(ctx context.Context, accessToken string, window Window, nextLink string) (*MessagePage, error) {
	requestURL := nextLink
	if requestURL == "" {
		filter := fmt.Sprintf(
			"receivedDateTime ge %s and receivedDateTime lt %s",
			window.From.UTC().Format(time.RFC3339),
			window.To.UTC().Format(time.RFC3339),
		)
		query := url.Values{}
		query.Set("$filter", filter)
		query.Set("$orderby", "receivedDateTime desc")
		query.Set("$top", strconv.Itoa(c.pageSize))
		query.Set("$select", messageSelectFields)
		requestURL = c.baseURL + "/me/messages?" + query.Encode()
	}

	var page MessagePage
	if err := c.getJSON(ctx, accessToken, requestURL, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListConversation fetches every message sharing the given conversation id,
// oldest first.
func (c *Client) ListConversation(ctx context.Context, accessToken, conversationID string) ([]Message, error) {
	query := url.Values{}
	query.Set("$filter", fmt.Sprintf("conversationId eq '%s'", conversationID))
	query.Set("$orderby", "receivedDateTime asc")
	query.Set("$select", messageSelectFields)
	requestURL := c.baseURL + "/me/messages?" + query.Encode()

	var page MessagePage
	if err := c.getJSON(ctx, accessToken, requestURL, &page); err != nil {
		return nil, err
	}
	return page.Value, nil
}

// GetMessage fetches a single message by its provider id.
func (c *Client) GetMessage(ctx context.Context, accessToken, messageID string) (*Message, error) {
	requestURL := c.baseURL + "/me/messages/" + url.PathEscape(messageID)

	var msg Message
	if err := c.getJSON(ctx, accessToken, requestURL, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// VerifyToken makes a lightweight call to confirm the provider accepts the
// token. Catches tokens that are unexpired by our clock but already revoked.
func (c *Client) VerifyToken(ctx context.Context, accessToken string) error {
	var profile struct {
		ID string `json:"id"`
	}
	return c.getJSON(ctx, accessToken, c.baseURL+"/me", &profile)
}

func (c *Client) getJSON(ctx context.Context, accessToken, requestURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return &Error{Kind: ErrBadRequest, Message: "building request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := c.execute(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: ErrServer, Message: "decoding response", Err: err}
	}
	return nil
}

// nonCircuitError shields client-side failures (auth, not found, malformed
// requests) from opening the circuit breaker; only throttling and server
// errors count against it.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string { return e.err.Error() }

// execute sends the request through the circuit breaker and returns the
// response body, or a classified *Error.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, callErr := c.do(req)
		if callErr != nil {
			if perr, ok := AsError(callErr); ok && !perr.Retriable() {
				return nil, &nonCircuitError{err: callErr}
			}
			return nil, callErr
		}
		return body, nil
	})

	if nce, ok := err.(*nonCircuitError); ok {
		return nil, nce.err
	}
	if err != nil {
		if _, ok := AsError(err); !ok {
			// Breaker open or half-open rejection; treat as a transient
			// server-side condition so callers back off.
			log.WithFields(log.Fields{
				"url":   req.URL.Path,
				"state": c.breaker.State().String(),
			}).Warn("provider call rejected by circuit breaker")
			return nil, &Error{Kind: ErrServer, Message: "circuit breaker: " + err.Error(), Err: err}
		}
		return nil, err
	}

	return result.([]byte), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrServer, Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrServer, StatusCode: resp.StatusCode, Message: "reading response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyResponse(resp, body)
	}

	return body, nil
}

// classifyResponse maps a provider HTTP error response onto the error
// taxonomy, picking up the Retry-After hint on throttling responses.
func classifyResponse(resp *http.Response, body []byte) *Error {
	var apiError struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &apiError)

	message := apiError.Error.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Error{Kind: ErrAuth, StatusCode: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusNotFound:
		return &Error{Kind: ErrNotFound, StatusCode: resp.StatusCode, Message: message}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &Error{Kind: ErrServer, StatusCode: resp.StatusCode, Message: message}
	default:
		return &Error{Kind: ErrBadRequest, StatusCode: resp.StatusCode, Message: message}
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
