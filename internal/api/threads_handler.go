package api

import (
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/db"
)

// ThreadsHandler serves the read side for the inbox UI: derived threads
// and the messages inside them.
type ThreadsHandler struct {
	store *db.Store
}

func NewThreadsHandler(store *db.Store) *ThreadsHandler {
	return &ThreadsHandler{store: store}
}

// GetThreads returns a paginated list of conversation threads for a
// connection, most recent activity first.
func (h *ThreadsHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.store)
	if !ok {
		return
	}

	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		WriteJSONError(w, http.StatusBadRequest, "connectionId query parameter is required")
		return
	}

	if !h.ownsConnection(w, r, userID, connectionID) {
		return
	}

	page, limit := ParsePaginationParams(r, 100)
	offset := (page - 1) * limit

	threads, err := h.store.ListThreads(ctx, connectionID, limit, offset)
	if err != nil {
		log.WithError(err).Error("threads handler: failed to list threads")
		WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	WriteJSONResponse(w, map[string]any{
		"threads": threads,
		"page":    page,
		"perPage": limit,
	})
}

// GetThread returns all messages of one conversation, oldest first.
// The conversation id is the final path segment.
func (h *ThreadsHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.store)
	if !ok {
		return
	}

	conversationID := strings.TrimPrefix(r.URL.Path, "/api/v1/thread/")
	if conversationID == "" || conversationID == r.URL.Path {
		WriteJSONError(w, http.StatusBadRequest, "conversation id is required")
		return
	}

	connectionID := r.URL.Query().Get("connectionId")
	if connectionID == "" {
		WriteJSONError(w, http.StatusBadRequest, "connectionId query parameter is required")
		return
	}

	if !h.ownsConnection(w, r, userID, connectionID) {
		return
	}

	messages, err := h.store.GetThreadMessages(ctx, connectionID, conversationID)
	if err != nil {
		log.WithError(err).Error("threads handler: failed to get thread messages")
		WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	WriteJSONResponse(w, map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	})
}

func (h *ThreadsHandler) ownsConnection(w http.ResponseWriter, r *http.Request, userID, connectionID string) bool {
	conn, err := h.store.GetConnection(r.Context(), connectionID)
	if err != nil {
		if errors.Is(err, db.ErrConnectionNotFound) {
			WriteJSONError(w, http.StatusNotFound, "connection not found")
			return false
		}
		log.WithError(err).Error("threads handler: failed to load connection")
		WriteJSONError(w, http.StatusInternalServerError, "internal server error")
		return false
	}
	if conn.UserID != userID {
		WriteJSONError(w, http.StatusNotFound, "connection not found")
		return false
	}
	return true
}
