package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/quillbox/backend/internal/api"
	"github.com/quillbox/backend/internal/auth"
	"github.com/quillbox/backend/internal/config"
	"github.com/quillbox/backend/internal/crypto"
	"github.com/quillbox/backend/internal/db"
	"github.com/quillbox/backend/internal/provider"
	"github.com/quillbox/backend/internal/sync"
	ws "github.com/quillbox/backend/internal/websocket"
)

// renewalSweepInterval is how often the in-process scheduler looks for
// subscriptions nearing expiry.
const renewalSweepInterval = time.Hour

func main() {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetLevel(log.InfoLevel)

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.CloseConnection(pool)

	log.Info("Connected to database")

	syncService, server := NewServer(cfg, pool)

	go runRenewalScheduler(ctx, syncService)

	address := ":" + cfg.Port
	log.WithFields(log.Fields{
		"address":     address,
		"environment": cfg.Environment,
	}).Info("Quillbox backend server starting")

	if err := http.ListenAndServe(address, server); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// NewServer wires the sync subsystem and returns it along with the HTTP
// handler for the API.
func NewServer(cfg *config.Config, dbPool *pgxpool.Pool) (*sync.Service, http.Handler) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}

	store := db.NewStore(dbPool, encryptor)
	mailClient := provider.NewClient(cfg.ProviderBaseURL)
	tokenClient := provider.NewTokenClient(cfg.ProviderTokenURL, cfg.ProviderClientID, cfg.ProviderScope)
	wsHub := ws.NewHub(10)
	syncService := sync.NewService(store, mailClient, tokenClient, wsHub)

	syncHandler := api.NewSyncHandler(store, syncService)
	webhookHandler := api.NewWebhookHandler(syncService)
	renewalHandler := api.NewRenewalHandler(syncService)
	threadsHandler := api.NewThreadsHandler(store)
	wsHandler := api.NewWebSocketHandler(store, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("/", handleRoot)

	mux.Handle("/api/v1/sync", auth.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		syncHandler.StartSync(w, r)
	})))
	mux.Handle("/api/v1/threads", auth.RequireAuth(http.HandlerFunc(threadsHandler.GetThreads)))
	mux.Handle("/api/v1/thread/", auth.RequireAuth(http.HandlerFunc(threadsHandler.GetThread)))
	mux.Handle("/api/v1/ws", auth.RequireAuth(http.HandlerFunc(wsHandler.Handle)))

	// Called by the provider, not the UI; authenticates via clientState.
	mux.HandleFunc("/api/v1/webhooks/mail", webhookHandler.HandleNotification)

	// Called by the external scheduler.
	mux.Handle("/api/v1/subscriptions/renew", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		renewalHandler.RenewSubscriptions(w, r)
	}))

	return syncService, mux
}

// runRenewalScheduler periodically renews subscriptions nearing expiry.
// The HTTP trigger exists as well; this keeps renewals going when no
// external scheduler is configured.
func runRenewalScheduler(ctx context.Context, service *sync.Service) {
	ticker := time.NewTicker(renewalSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.RenewExpiringSubscriptions(ctx); err != nil {
				log.WithError(err).Error("scheduled renewal sweep failed")
			}
		}
	}
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Quillbox API is running")
}
