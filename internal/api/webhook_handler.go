package api

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	syncer "github.com/quillbox/backend/internal/sync"
)

// WebhookHandler receives push notifications from the mail provider.
// Unlike the rest of the API it is called by the provider, not the UI, so
// it sits outside the auth middleware; notifications authenticate
// themselves with the per-subscription clientState secret.
type WebhookHandler struct {
	service SyncService
}

func NewWebhookHandler(service SyncService) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// HandleNotification processes one webhook delivery. A subscription
// validation handshake echoes the supplied token verbatim; anything else
// is a batch of change notifications, each processed independently.
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	// Validation handshake: the provider confirms it can reach us by
	// asking for its token back as plain text.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}

	var payload syncer.NotificationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.WithError(err).Warn("webhook handler: malformed notification payload")
		WriteJSONError(w, http.StatusBadRequest, "invalid notification payload")
		return
	}

	processed := h.service.ProcessNotifications(r.Context(), payload.Value)
	log.WithFields(log.Fields{
		"received":  len(payload.Value),
		"processed": processed,
	}).Info("webhook delivery handled")

	w.WriteHeader(http.StatusAccepted)
}
