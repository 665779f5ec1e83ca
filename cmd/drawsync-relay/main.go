package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fusio/drawsync/internal/docstore"
	"github.com/fusio/drawsync/internal/httpapi"
	"github.com/fusio/drawsync/internal/relay"
)

func main() {
	addr := envOrDefault("DRAWSYNC_ADDR", ":8080")
	logger := log.Default()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store docstore.Store
	if dsn := strings.TrimSpace(os.Getenv("DRAWSYNC_STORE_DSN")); dsn != "" {
		opened, err := docstore.Open(dsn, docstore.Options{Logger: logger})
		if err != nil {
			log.Fatalf("failed to open document store: %v", err)
		}
		defer opened.Close()
		store = opened
	}

	hubOpts := relay.HubOptions{Logger: logger}
	if busURL := strings.TrimSpace(os.Getenv("DRAWSYNC_BUS_REDIS_URL")); busURL != "" {
		bus, err := relay.NewRedisBusFromURL(busURL, relay.RedisBusOptions{Logger: logger})
		if err != nil {
			log.Fatalf("failed to connect relay bus: %v", err)
		}
		defer bus.Close()
		hubOpts.Bus = bus
		log.Printf("relay bus node %s", bus.NodeID())
	}
	hub := relay.NewHub(hubOpts)
	if hubOpts.Bus != nil {
		go func() {
			if err := hub.RunBus(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("relay bus stopped: %v", err)
			}
		}()
	}

	server := httpapi.NewServerWithConfig(hub, store, httpapi.ServerConfig{
		JWTSecret:       strings.TrimSpace(os.Getenv("DRAWSYNC_JWT_SECRET")),
		JWTLeeway:       durationEnv("DRAWSYNC_JWT_LEEWAY", 30*time.Second),
		RateLimitMax:    intEnv("DRAWSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("DRAWSYNC_RATE_LIMIT_WINDOW", time.Minute),
		AllowedOrigins:  listEnv("DRAWSYNC_ALLOWED_ORIGINS"),
		MaxMessageBytes: int64Env("DRAWSYNC_MAX_MESSAGE_BYTES", 1<<20),
		PeerBuffer:      intEnv("DRAWSYNC_PEER_BUFFER", 64),
		Logger:          logger,
	})
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("DRAWSYNC_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("relay shutdown: %v", err)
		}
	}()

	log.Printf("drawsync relay listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func listEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
