package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/models"
	"github.com/quillbox/backend/internal/provider"
	syncer "github.com/quillbox/backend/internal/sync"
)

// SyncService is the part of the sync orchestrator the HTTP layer calls.
type SyncService interface {
	Sync(ctx context.Context, connectionID string, syncFrom, syncTo *time.Time) (*models.SyncResult, error)
	ProcessNotifications(ctx context.Context, notifications []syncer.Notification) int
	RenewExpiringSubscriptions(ctx context.Context) (int, error)
}

// SyncHandler triggers synchronization passes for mailbox connections.
type SyncHandler struct {
	store   *db.Store
	service SyncService
}

func NewSyncHandler(store *db.Store, service SyncService) *SyncHandler {
	return &SyncHandler{
		store:   store,
		service: service,
	}
}

type syncRequest struct {
	ConnectionID string `json:"connectionId"`
	SyncFrom     string `json:"syncFrom,omitempty"`
	SyncTo       string `json:"syncTo,omitempty"`
}

// StartSync runs one sync pass for the caller's connection and reports the
// result.
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.store)
	if !ok {
		return
	}

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionID == "" {
		WriteJSONError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	syncFrom, err := parseOptionalTime(req.SyncFrom)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "syncFrom must be RFC 3339")
		return
	}
	syncTo, err := parseOptionalTime(req.SyncTo)
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "syncTo must be RFC 3339")
		return
	}

	// The connection must belong to the caller.
	conn, err := h.store.GetConnection(ctx, req.ConnectionID)
	if err != nil {
		if errors.Is(err, db.ErrConnectionNotFound) {
			WriteJSONError(w, http.StatusNotFound, "connection not found")
			return
		}
		log.WithError(err).Error("sync handler: failed to load connection")
		WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if conn.UserID != userID {
		WriteJSONError(w, http.StatusNotFound, "connection not found")
		return
	}

	result, err := h.service.Sync(ctx, req.ConnectionID, syncFrom, syncTo)
	if err != nil {
		log.WithError(err).WithField("connection_id", req.ConnectionID).Warn("sync pass failed")
		status := http.StatusBadGateway
		if provider.IsAuth(err) {
			status = http.StatusConflict
		}
		WriteJSONError(w, status, err.Error())
		return
	}

	WriteJSONResponse(w, result)
}

func parseOptionalTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
