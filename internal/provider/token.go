package provider

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// TokenResponse is the token endpoint's reply to a refresh exchange.
// RefreshToken is empty when the provider chose not to rotate it.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExpiresAt converts the relative expiry into an absolute timestamp.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// TokenClient exchanges refresh tokens at the provider's OAuth token
// endpoint.
type TokenClient struct {
	tokenURL   string
	clientID   string
	scope      string
	httpClient *http.Client
}

func NewTokenClient(tokenURL, clientID, scope string) *TokenClient {
	return &TokenClient{
		tokenURL: tokenURL,
		clientID: clientID,
		scope:    scope,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Refresh exchanges a refresh token for a new access token. A rejected
// grant comes back as ErrInvalidGrant; network and 5xx failures are
// classified retryable.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scope", c.scope)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Kind: ErrBadRequest, Message: "building token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrServer, Message: "token request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrServer, StatusCode: resp.StatusCode, Message: "reading token response", Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyTokenError(resp, body)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &Error{Kind: ErrServer, Message: "decoding token response", Err: err}
	}
	return &token, nil
}

func classifyTokenError(resp *http.Response, body []byte) *Error {
	var oauthError struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(body, &oauthError)

	message := oauthError.ErrorDescription
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	// invalid_grant means the refresh token is dead; no retry can help.
	if oauthError.Error == "invalid_grant" {
		return &Error{Kind: ErrInvalidGrant, StatusCode: resp.StatusCode, Message: message}
	}

	if resp.StatusCode >= 500 {
		return &Error{Kind: ErrServer, StatusCode: resp.StatusCode, Message: message}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &Error{
			Kind:       ErrRateLimited,
			StatusCode: resp.StatusCode,
			Message:    message,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &Error{Kind: ErrAuth, StatusCode: resp.StatusCode, Message: message}
}
