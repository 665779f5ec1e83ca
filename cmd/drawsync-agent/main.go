package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fusio/drawsync/internal/canvassync"
	"github.com/fusio/drawsync/internal/docstore"
	"github.com/fusio/drawsync/internal/mirror"
	"github.com/fusio/drawsync/internal/relay"
)

func main() {
	relayURL := flag.String("relay-url", envOrDefault("DRAWSYNC_RELAY_URL", "ws://127.0.0.1:8080/ws"), "relay websocket URL")
	roomID := flag.String("room", strings.TrimSpace(os.Getenv("DRAWSYNC_ROOM")), "room ID")
	documentID := flag.String("document", strings.TrimSpace(os.Getenv("DRAWSYNC_DOCUMENT")), "document ID (defaults to room)")
	storeDSN := flag.String("store", strings.TrimSpace(os.Getenv("DRAWSYNC_STORE_DSN")), "document store DSN")
	filePath := flag.String("file", strings.TrimSpace(os.Getenv("DRAWSYNC_FILE")), "local mirror file")
	token := flag.String("token", strings.TrimSpace(os.Getenv("DRAWSYNC_TOKEN")), "bearer token")
	quietPeriod := flag.Duration("quiet-period", durationEnv("DRAWSYNC_QUIET_PERIOD", canvassync.DefaultQuietPeriod), "quiet period before persisting edits")
	flushOnExit := flag.Bool("flush-on-exit", boolEnv("DRAWSYNC_FLUSH_ON_EXIT", true), "persist pending edits on shutdown")
	tombstoneRetention := flag.Duration("tombstone-retention", durationEnv("DRAWSYNC_TOMBSTONE_RETENTION", 0), "how long deleted elements are kept (0 keeps forever)")
	flag.Parse()

	if strings.TrimSpace(*roomID) == "" {
		log.Fatalf("room is required (--room or DRAWSYNC_ROOM)")
	}
	if strings.TrimSpace(*storeDSN) == "" {
		log.Fatalf("store is required (--store or DRAWSYNC_STORE_DSN)")
	}
	if strings.TrimSpace(*filePath) == "" {
		log.Fatalf("file is required (--file or DRAWSYNC_FILE)")
	}
	if *quietPeriod <= 0 {
		*quietPeriod = canvassync.DefaultQuietPeriod
	}
	if strings.TrimSpace(*documentID) == "" {
		*documentID = *roomID
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := log.Default()

	store, err := docstore.Open(*storeDSN, docstore.Options{Logger: logger})
	if err != nil {
		log.Fatalf("failed to open document store: %v", err)
	}
	defer store.Close()

	view, err := mirror.NewFileView(*filePath, mirror.Options{Indent: true, Logger: logger})
	if err != nil {
		log.Fatalf("failed to prepare mirror file: %v", err)
	}

	dialCtx, cancelDial := context.WithTimeout(rootCtx, 15*time.Second)
	client, err := relay.Dial(dialCtx, *relayURL, relay.ClientOptions{Token: *token, Logger: logger})
	if err == nil {
		err = client.Join(dialCtx, *roomID)
	}
	cancelDial()
	if err != nil {
		log.Fatalf("failed to join relay room %s: %v", *roomID, err)
	}

	session, err := canvassync.NewSession(canvassync.Config{
		DocumentID:         *documentID,
		RoomID:             *roomID,
		Store:              store,
		Relay:              client,
		View:               view,
		QuietPeriod:        *quietPeriod,
		FlushOnClose:       *flushOnExit,
		TombstoneRetention: *tombstoneRetention,
		OnWriteError: func(err error) {
			log.Printf("persist %s failed: %v", *documentID, err)
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to create session: %v", err)
	}
	if err := session.Start(rootCtx); err != nil {
		log.Fatalf("failed to start session: %v", err)
	}
	log.Printf("drawsync agent %s mirroring %s to %s", session.ParticipantID(), *documentID, view.Path())

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- view.Watch(rootCtx, session.LocalEdit)
	}()

	select {
	case <-rootCtx.Done():
		log.Printf("drawsync agent stopping: %v", rootCtx.Err())
	case <-client.Done():
		if err := client.Err(); err != nil {
			log.Printf("relay connection lost: %v", err)
		}
	case err := <-watchErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("mirror watch stopped: %v", err)
		}
	}
	if err := session.Close(); err != nil {
		log.Printf("session close: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
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

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
