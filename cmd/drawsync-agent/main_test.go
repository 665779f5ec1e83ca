package main

import (
	"testing"
	"time"
)

func TestBoolEnvParsesValue(t *testing.T) {
	t.Setenv("DRAWSYNC_TEST_BOOL", "false")
	if got := boolEnv("DRAWSYNC_TEST_BOOL", true); got {
		t.Fatalf("expected false")
	}
}

func TestBoolEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("DRAWSYNC_TEST_BOOL_BAD", "maybe")
	if got := boolEnv("DRAWSYNC_TEST_BOOL_BAD", true); !got {
		t.Fatalf("expected fallback true")
	}
}

func TestDurationEnvParsesQuietPeriod(t *testing.T) {
	t.Setenv("DRAWSYNC_TEST_QUIET", "1500ms")
	if got := durationEnv("DRAWSYNC_TEST_QUIET", time.Second); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %s", got)
	}
}

func TestEnvOrDefaultTrimsValue(t *testing.T) {
	t.Setenv("DRAWSYNC_TEST_URL", "  ws://relay.internal/ws ")
	if got := envOrDefault("DRAWSYNC_TEST_URL", "ws://127.0.0.1:8080/ws"); got != "ws://relay.internal/ws" {
		t.Fatalf("unexpected url %q", got)
	}
	t.Setenv("DRAWSYNC_TEST_URL", "   ")
	if got := envOrDefault("DRAWSYNC_TEST_URL", "ws://127.0.0.1:8080/ws"); got != "ws://127.0.0.1:8080/ws" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
