package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/calliope-chat/calliope/internal/chat"
	"github.com/calliope-chat/calliope/internal/config"
	"github.com/calliope-chat/calliope/internal/history"
	"github.com/calliope-chat/calliope/internal/httpapi"
	"github.com/calliope-chat/calliope/internal/observability"
	"github.com/calliope-chat/calliope/internal/provider"
	"github.com/calliope-chat/calliope/internal/relay"
	"github.com/calliope-chat/calliope/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := chat.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("chat store init failed: %v", err)
	}
	defer store.Close()

	responder, err := provider.New(provider.Config{
		Mode:   cfg.ProviderMode,
		URL:    cfg.ProviderURL,
		APIKey: cfg.ProviderAPIKey,
		Model:  cfg.ProviderModel,
	})
	if err != nil {
		log.Fatalf("provider init failed: %v", err)
	}

	var auth httpapi.Authenticator
	if len(cfg.AuthTokens) > 0 {
		auth = httpapi.NewTokenAuthenticator(cfg.AuthTokens)
		log.Printf("auth: bearer tokens (%d users)", len(cfg.AuthTokens))
	} else {
		auth = httpapi.SingleUserAuthenticator{ID: "local"}
		log.Printf("auth: single-user mode")
	}

	registry := history.NewRegistry(history.Policy{
		MaxSessions:           cfg.MaxSessions,
		MaxMessagesPerSession: cfg.MaxMessagesPerSession,
		MaxAgeDays:            cfg.MaxAgeDays,
		PageSize:              cfg.PageSize,
		CleanupCooldown:       cfg.CleanupCooldown,
	})

	chunker := stream.NewChunker(cfg.ChunkUnit)
	rly := relay.New(store, responder, chunker, cfg.FlushEvery, metrics)

	api := httpapi.New(cfg, store, rly, registry, auth, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
