package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillbox/backend/internal/auth"
	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
	"github.com/quillbox/backend/internal/testutil"
)

func newSyncTestStore(t *testing.T) *db.Store {
	t.Helper()
	pool := testutil.NewTestDB(t)
	return db.NewStore(pool, testutil.GetTestEncryptor(t))
}

func createTestConnection(t *testing.T, store *db.Store, email string) *models.Connection {
	t.Helper()

	userID, err := store.GetOrCreateUser(context.Background(), email)
	require.NoError(t, err)

	conn := &models.Connection{
		UserID:         userID,
		Provider:       "outlook",
		MailboxAddress: email,
		AccessToken:    "access-token",
		RefreshToken:   "refresh-token",
		TokenExpiresAt: time.Now().Add(time.Hour),
		Status:         models.StatusActive,
		Connected:      true,
	}
	require.NoError(t, store.CreateConnection(context.Background(), conn))
	return conn
}

func authedRequest(method, target, body, email string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	ctx := context.WithValue(req.Context(), auth.UserEmailKey, email)
	return req.WithContext(ctx)
}

func TestStartSyncRunsPassForOwnedConnection(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	service := &fakeSyncService{
		syncResult: &models.SyncResult{Success: true, MessagesProcessed: 4, LastSynced: time.Now()},
	}
	handler := NewSyncHandler(store, service)

	body := `{"connectionId":"` + conn.ID + `","syncFrom":"2026-08-30T00:00:00Z","syncTo":"2026-08-31T00:00:00Z"}`
	rec := httptest.NewRecorder()
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", body, "owner@example.com"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, conn.ID, service.syncedConnID)
	require.NotNil(t, service.syncedFrom)
	assert.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), service.syncedFrom.UTC())
	require.NotNil(t, service.syncedTo)

	var result models.SyncResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.MessagesProcessed)
}

func TestStartSyncDefaultsWindowWhenOmitted(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	service := &fakeSyncService{}
	handler := NewSyncHandler(store, service)

	rec := httptest.NewRecorder()
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", `{"connectionId":"`+conn.ID+`"}`, "owner@example.com"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, service.syncedFrom, "the service picks the window when the caller gives none")
	assert.Nil(t, service.syncedTo)
}

func TestStartSyncValidation(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{`},
		{"missing connection id", `{}`},
		{"bad syncFrom", `{"connectionId":"` + conn.ID + `","syncFrom":"yesterday"}`},
		{"bad syncTo", `{"connectionId":"` + conn.ID + `","syncTo":"2026-08-31"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewSyncHandler(store, &fakeSyncService{})
			rec := httptest.NewRecorder()
			handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", tt.body, "owner@example.com"))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestStartSyncRejectsForeignConnection(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	service := &fakeSyncService{}
	handler := NewSyncHandler(store, service)

	rec := httptest.NewRecorder()
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", `{"connectionId":"`+conn.ID+`"}`, "intruder@example.com"))

	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign connections look like missing ones")
	assert.Empty(t, service.syncedConnID)
}

func TestStartSyncUnknownConnection(t *testing.T) {
	store := newSyncTestStore(t)
	createTestConnection(t, store, "owner@example.com")

	handler := NewSyncHandler(store, &fakeSyncService{})

	rec := httptest.NewRecorder()
	body := `{"connectionId":"00000000-0000-0000-0000-000000000000"}`
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", body, "owner@example.com"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSyncMapsAuthFailureToConflict(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	service := &fakeSyncService{
		syncErr: &provider.Error{Kind: provider.ErrInvalidGrant, Message: "refresh token revoked"},
	}
	handler := NewSyncHandler(store, service)

	rec := httptest.NewRecorder()
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", `{"connectionId":"`+conn.ID+`"}`, "owner@example.com"))

	assert.Equal(t, http.StatusConflict, rec.Code, "auth failures are the user's to fix, not a gateway fault")
}

func TestStartSyncMapsProviderFailureToBadGateway(t *testing.T) {
	store := newSyncTestStore(t)
	conn := createTestConnection(t, store, "owner@example.com")

	service := &fakeSyncService{
		syncErr: &provider.Error{Kind: provider.ErrServer, StatusCode: 503, Message: "provider down"},
	}
	handler := NewSyncHandler(store, service)

	rec := httptest.NewRecorder()
	handler.StartSync(rec, authedRequest(http.MethodPost, "/api/v1/sync", `{"connectionId":"`+conn.ID+`"}`, "owner@example.com"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestStartSyncRequiresIdentity(t *testing.T) {
	store := newSyncTestStore(t)

	handler := NewSyncHandler(store, &fakeSyncService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync", strings.NewReader(`{"connectionId":"x"}`))
	rec := httptest.NewRecorder()
	handler.StartSync(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
