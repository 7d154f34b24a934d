package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mapdash/mapdash/internal/archive"
	"github.com/mapdash/mapdash/internal/dbconfig"
	"github.com/mapdash/mapdash/internal/events"
	"github.com/mapdash/mapdash/internal/gateway"
	"github.com/mapdash/mapdash/internal/session"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	port := getEnv("GATEWAY_PORT", "8080")
	natsURL := getEnv("NATS_URL", "")
	configPath := getEnv("GAME_CONFIG", "config.yaml")

	var config *Config
	if cfg, err := loadConfig(configPath); err != nil {
		log.Warn().Err(err).Str("path", configPath).Msg("using built-in game defaults")
	} else {
		config = cfg
	}

	// Optional JetStream audit publisher
	var publisher events.Publisher = events.NopPublisher{}
	if natsURL != "" {
		jsCfg := events.DefaultJetStreamConfig()
		jsCfg.URL = natsURL
		js, err := events.NewJetStreamPublisher(jsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer js.Close()
		publisher = js
		log.Info().Str("nats_url", natsURL).Msg("event publishing enabled")
	}

	// Optional Postgres archive of finished games
	var archiver gateway.Archiver
	var archiveIndex gateway.ArchiveIndex
	if getEnvAsBool("ARCHIVE_ENABLED", false) {
		dbCfg := dbconfig.NewConfigFromEnv()
		store, err := archive.New(context.Background(), dbCfg.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer store.Close()
		if err := store.EnsureSchema(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure archive schema")
		}
		archiver = store
		archiveIndex = store
		log.Info().Str("database", dbCfg.Database).Msg("game archiving enabled")
	}

	svc := gateway.NewService(gateway.ServiceConfig{
		Registry: session.RegistryConfig{
			Defaults: sessionDefaults(config),
		},
		Publisher: publisher,
		Archiver:  archiver,
	})
	hub := gateway.NewHub(gateway.DefaultConnConfig(), svc.HandleMessage, svc.HandleClose)
	svc.AttachBroadcaster(hub)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	gateway.NewStateHandler(svc.Registry(), hub, archiveIndex).RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Setup CORS middleware
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	handler := c.Handler(mux)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     handler,
		IdleTimeout: 120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Start(ctx)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("game gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()
	time.Sleep(1 * time.Second)

	log.Info().Msg("game gateway shutdown complete")
}
