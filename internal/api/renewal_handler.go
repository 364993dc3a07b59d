package api

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

// RenewalHandler exposes the subscription renewal sweep to the scheduler
// that triggers it over HTTP.
type RenewalHandler struct {
	service SyncService
}

func NewRenewalHandler(service SyncService) *RenewalHandler {
	return &RenewalHandler{service: service}
}

// RenewSubscriptions runs one renewal sweep and reports how many
// subscriptions were extended.
func (h *RenewalHandler) RenewSubscriptions(w http.ResponseWriter, r *http.Request) {
	renewed, err := h.service.RenewExpiringSubscriptions(r.Context())
	if err != nil {
		log.WithError(err).Error("renewal handler: sweep failed")
		WriteJSONError(w, http.StatusInternalServerError, "renewal sweep failed")
		return
	}

	WriteJSONResponse(w, map[string]int{"renewed": renewed})
}
