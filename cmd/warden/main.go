package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcastelli/warden/internal/approval"
	"github.com/lcastelli/warden/internal/chatops"
	"github.com/lcastelli/warden/internal/config"
	"github.com/lcastelli/warden/internal/distribute"
	"github.com/lcastelli/warden/internal/events"
	"github.com/lcastelli/warden/internal/httpapi"
	"github.com/lcastelli/warden/internal/observability"
	"github.com/lcastelli/warden/internal/recommend"
	"github.com/lcastelli/warden/internal/vetting"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	bus := events.NewBus()

	ctx := context.Background()
	store, err := recommend.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	recommender := recommend.NewManager(bus)
	if store != nil {
		recommender.SetStore(store)
		log.Printf("recommendation store: postgres")
	} else {
		log.Printf("recommendation store: in-memory")
	}

	registry := approval.NewRegistry()

	var dispatcher *chatops.Dispatcher
	if cfg.ChatOpsEnabled {
		channel := chatops.NewHTTPChannel(cfg.ChatOpsServiceURL)
		statusCtx, statusCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := channel.Status(statusCtx); err != nil {
			log.Printf("chat-ops bridge unreachable at startup: %v", err)
		}
		statusCancel()
		dispatcher = chatops.NewDispatcher(channel, cfg.ChatOpsChannel, registry, recommender, bus, metrics)
		defer dispatcher.Close()
		log.Printf("chat-ops notifications: %s -> channel %s", cfg.ChatOpsServiceURL, cfg.ChatOpsChannel)
	} else {
		log.Printf("chat-ops notifications: disabled")
	}

	var notifier vetting.Notifier
	if dispatcher != nil {
		notifier = dispatcher
	}
	svc := vetting.NewService(recommender, registry, notifier, cfg.ApprovalTTL)

	distributor := distribute.NewManager(bus)
	if err := distributor.SetStrategy(distribute.Strategy(cfg.DistributionStrategy)); err != nil {
		log.Fatalf("distribution strategy: %v", err)
	}

	api := httpapi.New(cfg, svc, recommender, dispatcher, distributor, bus, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	svc.StartSweeper(runCtx, cfg.SweepInterval)

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

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
