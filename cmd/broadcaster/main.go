package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/openbid/auction-coordinator/internal/config"
	"github.com/openbid/auction-coordinator/internal/relay"
	"github.com/openbid/auction-coordinator/internal/store"
	"github.com/openbid/auction-coordinator/internal/ws"
)

// Config holds the broadcaster configuration.
type Config struct {
	ServerAddr    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NatsURL       string
	LogPretty     bool
}

func loadConfig() *Config {
	return &Config{
		ServerAddr:    config.GetEnv("SERVER_ADDR", ":8081"),
		RedisAddr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       config.GetEnvInt("REDIS_DB", 0),
		NatsURL:       config.GetEnv("NATS_URL", "nats://localhost:4222"),
		LogPretty:     config.GetEnvBool("LOG_PRETTY", false),
	}
}

func newLogger(service string, pretty bool) zerolog.Logger {
	var log zerolog.Logger
	if pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.With().Timestamp().Str("service", service).Logger()
}

func main() {
	cfg := loadConfig()
	log := newLogger("broadcaster", cfg.LogPretty)

	subscriber, err := store.NewSubscriber(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer subscriber.Close()
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to Redis")

	natsConn, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}
	defer natsConn.Close()
	log.Info().Str("url", cfg.NatsURL).Msg("connected to NATS")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := subscriber.SubscribeAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to auction events")
	}

	manager := ws.NewManager(log)
	go manager.Run()

	messageChan := make(chan *store.RoomMessage, 256)
	go func() {
		if err := subscriber.Listen(ctx, messageChan); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("redis listener stopped")
		}
	}()

	// Forward Redis Pub/Sub events into the websocket rooms.
	go func() {
		for msg := range messageChan {
			manager.Broadcast(msg.ItemID, msg.Payload)
		}
	}()

	handler := ws.NewHandler(manager, relay.NewRequester(natsConn), log)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("broadcaster listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("stopped gracefully")
}
