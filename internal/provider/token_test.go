package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshExchangesToken(t *testing.T) {
	var capturedForm map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		capturedForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read offline_access")

	token, err := client.Refresh(context.Background(), "old-refresh")

	require.NoError(t, err)
	assert.Equal(t, "new-access", token.AccessToken)
	assert.Equal(t, "new-refresh", token.RefreshToken)
	assert.Equal(t, 3600, token.ExpiresIn)

	assert.Equal(t, "refresh_token", capturedForm["grant_type"][0])
	assert.Equal(t, "client-123", capturedForm["client_id"][0])
	assert.Equal(t, "Mail.Read offline_access", capturedForm["scope"][0])
	assert.Equal(t, "old-refresh", capturedForm["refresh_token"][0])
}

func TestRefreshWithoutRotationLeavesRefreshTokenEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read")

	token, err := client.Refresh(context.Background(), "old-refresh")

	require.NoError(t, err)
	assert.Empty(t, token.RefreshToken)
}

func TestRefreshClassifiesInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"The refresh token has expired."}`))
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read")

	_, err := client.Refresh(context.Background(), "dead-refresh")

	require.Error(t, err)
	assert.True(t, IsInvalidGrant(err))
	assert.False(t, IsRetriable(err))

	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "The refresh token has expired.", perr.Message)
}

func TestRefreshClassifiesServerFailureAsRetriable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read")

	_, err := client.Refresh(context.Background(), "some-refresh")

	require.Error(t, err)
	assert.True(t, IsRetriable(err))
	assert.False(t, IsAuth(err))
}

func TestRefreshClassifiesThrottling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read")

	_, err := client.Refresh(context.Background(), "some-refresh")

	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	perr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, 12*time.Second, perr.RetryAfter)
}

func TestRefreshClassifiesOtherClientErrorsAsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer server.Close()

	client := NewTokenClient(server.URL, "client-123", "Mail.Read")

	_, err := client.Refresh(context.Background(), "some-refresh")

	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.False(t, IsInvalidGrant(err))
}

func TestTokenResponseExpiresAt(t *testing.T) {
	token := &TokenResponse{AccessToken: "a", ExpiresIn: 3600}
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(time.Hour), token.ExpiresAt(now))
}
