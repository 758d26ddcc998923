package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/api"
	"aetherflow-syncd/internal/bus"
	"aetherflow-syncd/internal/config"
	"aetherflow-syncd/internal/db"
	"aetherflow-syncd/internal/middleware"
	"aetherflow-syncd/internal/outbox"
	"aetherflow-syncd/internal/state"
)

func main() {
	// --- Logger ---
	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLogger.Sync()

	// --- Configuration ---
	appConfig, err := config.LoadConfig()
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}
	if strings.ToLower(appConfig.GinMode) == "release" {
		// Production logging once we know the mode.
		if prod, perr := zap.NewProduction(); perr == nil {
			zapLogger = prod
			defer zapLogger.Sync()
		}
	}
	zapLogger.Info("configuration loaded")

	// --- Firebase Admin SDK ---
	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelInit()
	clients, err := db.NewClients(initCtx, appConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialize Firebase Admin SDK", zap.Error(err))
	}
	defer clients.Close()

	// --- Repositories ---
	userRepo := db.NewFirestoreUserRepository(clients.Firestore)
	membershipRepo := db.NewFirestoreMembershipRepository(clients.Firestore, zapLogger)
	quotaRepo := db.NewFirestoreQuotaRepository(clients.Firestore)
	promptRepo := db.NewFirestorePromptRepository(clients.Firestore)
	rewardsRepo := db.NewFirestoreRewardsRepository(clients.Firestore, zapLogger)
	verifier := db.NewFirebaseTokenVerifier(clients.Auth)

	// --- Durable outbox for deferred remote writes ---
	ob, err := outbox.Open(appConfig.OutboxPath, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to open outbox", zap.Error(err))
	}
	outbox.RegisterHandlers(ob, quotaRepo, userRepo)

	// appCtx bounds every remote listener and background loop.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	ob.Start(appCtx, appConfig.OutboxRetryInterval())

	// --- State stores and engines ---
	hub := bus.NewHub(zapLogger)

	membershipStore := state.NewMembershipStore(appCtx, membershipRepo, hub, zapLogger)
	authSource := state.NewEventAuthSource()
	authStore, err := state.NewAuthStore(authSource, membershipStore, hub, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to construct auth store", zap.Error(err))
	}
	defer authStore.Close()

	usagePersister := outbox.NewUsagePersister(ob, zapLogger)
	quotaEngine := state.NewQuotaEngine(authStore, membershipStore, quotaRepo, promptRepo, usagePersister, hub, zapLogger)
	defer quotaEngine.Close()

	rewardsEngine := state.NewRewardsEngine(appCtx, authStore, membershipStore, rewardsRepo, state.DefaultCatalog(), hub, zapLogger)
	defer rewardsEngine.Close()

	// --- Message router and websocket transport ---
	msgRouter := bus.NewRouter(authStore, authSource, membershipStore, quotaEngine, rewardsEngine,
		verifier, userRepo, promptRepo, ob, hub, zapLogger)
	wsHandler := bus.NewWSHandler(hub, msgRouter, originPatterns(appConfig.ClientURL), zapLogger)
	stateHandler := api.NewStateHandler(authStore, membershipStore, quotaEngine, rewardsEngine)

	// --- HTTP engine ---
	if strings.ToLower(appConfig.GinMode) == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(middleware.RequestLogger(zapLogger))
	engine.Use(middleware.RecoveryMiddleware(zapLogger))
	if appConfig.ClientURL != "" {
		engine.Use(middleware.CORSMiddleware(appConfig))
	} else {
		zapLogger.Warn("CORS middleware skipped: CLIENT_URL is not configured")
	}

	api.SetupRoutes(engine, zapLogger, verifier, userRepo, hub, wsHandler, stateHandler, ob)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", appConfig.Port),
		Handler: engine,
	}

	zapLogger.Info("starting sync daemon",
		zap.String("address", httpServer.Addr), zap.String("ginMode", gin.Mode()))

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	// --- Graceful shutdown ---
	quitChannel := make(chan os.Signal, 1)
	signal.Notify(quitChannel, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quitChannel
	zapLogger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Stop accepting new sessions first, then tear down listeners and flush
	// what the outbox can still deliver.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("forced shutdown of HTTP server", zap.Error(err))
	}

	cancelApp()
	ob.DrainOnce(shutdownCtx)

	zapLogger.Info("sync daemon exiting")
}

// originPatterns derives the websocket origin allow-list from the configured
// client URL. Extension origins carry no meaningful host, so the raw value is
// kept as a fallback pattern.
func originPatterns(clientURL string) []string {
	if clientURL == "" {
		return nil
	}
	patterns := []string{clientURL}
	if u, err := url.Parse(clientURL); err == nil && u.Host != "" {
		patterns = append(patterns, u.Host)
	}
	return patterns
}
