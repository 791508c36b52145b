package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/castline/internal/config"
	"github.com/HMasataka/castline/internal/eventbus"
	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/internal/peer"
	"github.com/HMasataka/castline/internal/session"
	service "github.com/HMasataka/castline/internal/signaling"
	"github.com/HMasataka/castline/pkg/transport/protocol"
	"github.com/HMasataka/castline/pkg/transport/websocket"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML or JSON config file")
		envFile    = flag.String("env", "", "env file to load before reading the environment")
	)
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath, EnvFile: *envFile})
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the hub and bus outlive the signal so the shutdown notices still go out
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	bus := eventbus.NewInMemoryBus(256)
	bus.Start(runCtx)
	defer bus.Stop()
	eventbus.LogEvents(bus, logger.With("component", "events"))

	hub := service.NewHub(logger.With("component", "hub"))
	if err := hub.Start(runCtx); err != nil {
		log.Fatalf("failed to start hub: %v", err)
	}
	defer hub.Stop()

	registry := session.NewRegistry(bus, logger.With("component", "registry"))

	router := service.NewRouter(service.RouterOptions{
		Registry: registry,
		EventBus: bus,
		Sender:   service.HubSender{Hub: hub, Codec: protocol.NewJSONCodec()},
		Machine: peer.Options{
			MaxRetries:   cfg.Session.MaxRetries,
			RetryDelay:   cfg.Session.RetryDelay,
			OfferTimeout: cfg.Session.OfferTimeout,
		},
		Logger: logger.With("component", "router"),
	})
	defer router.Close()

	ws := websocket.NewServer(
		websocket.WithHub(hub),
		websocket.WithLogger(logger),
		websocket.WithEventBus(bus),
		websocket.WithRouter(router),
		websocket.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	)

	srv := &http.Server{
		Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: service.NewHTTPHandler(service.HTTPOptions{
			Router:    router,
			Registry:  registry,
			Stats:     hub,
			WebSocket: ws,
			Logger:    logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("castline listening", "addr", srv.Addr, "ice_servers", cfg.WebRTC.ICEURLs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.Reset(session.ReasonShutdown)
	if err := hub.Stop(); err != nil {
		logger.Error("failed to stop hub", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
