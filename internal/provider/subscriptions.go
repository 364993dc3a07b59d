package provider

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
)

// SubscriptionResponse is the provider's view of a push-notification
// registration.
type SubscriptionResponse struct {
	ID                 string    `json:"id"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState"`
}

type subscriptionRequest struct {
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

// CreateSubscription registers a push-notification subscription for the
// given resource, delivering to notificationURL.
func (c *Client) CreateSubscription(ctx context.Context, accessToken, resource, notificationURL, clientState string, expiresAt time.Time) (*SubscriptionResponse, error) {
	payload := subscriptionRequest{
		ChangeType:         "created",
		NotificationURL:    notificationURL,
		Resource:           resource,
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
		ClientState:        clientState,
	}

	var sub SubscriptionResponse
	if err := c.sendJSON(ctx, accessToken, http.MethodPost, c.baseURL+"/subscriptions", payload, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// RenewSubscription extends an existing subscription's expiration.
func (c *Client) RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt time.Time) (*SubscriptionResponse, error) {
	payload := subscriptionRequest{
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
	}

	var sub SubscriptionResponse
	requestURL := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	if err := c.sendJSON(ctx, accessToken, http.MethodPatch, requestURL, payload, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription at the provider. A 404 is
// treated as success since the registration is already gone.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	requestURL := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	err := c.sendJSON(ctx, accessToken, http.MethodDelete, requestURL, nil, nil)
	if perr, ok := AsError(err); ok && perr.Kind == ErrNotFound {
		return nil
	}
	return err
}

func (c *Client) sendJSON(ctx context.Context, accessToken, method, requestURL string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &Error{Kind: ErrBadRequest, Message: "encoding request", Err: err}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reqBody)
	if err != nil {
		return &Error{Kind: ErrBadRequest, Message: "building request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	body, err := c.execute(req)
	if err != nil {
		return err
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &Error{Kind: ErrServer, Message: "decoding response", Err: err}
		}
	}
	return nil
}
