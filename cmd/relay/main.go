// Command relay couples two infrasim instances: it observes one sector of a
// source instance and substitutes each committed year into a target
// instance, where that sector becomes recorded.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/infra-world/internal/federation"
	"github.com/talgya/infra-world/internal/infra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration from environment.
	sourceURL := envOrDefault("RELAY_SOURCE_URL", "http://localhost:8080")
	targetURL := envOrDefault("RELAY_TARGET_URL", "http://localhost:8081")
	adminKey := os.Getenv("INFRASIM_ADMIN_KEY")
	sectorName := envOrDefault("RELAY_SECTOR", "water")
	intervalSec := envIntOrDefault("RELAY_INTERVAL", 5)
	tickTarget := os.Getenv("RELAY_TICK_TARGET") == "1"

	if adminKey == "" {
		slog.Error("INFRASIM_ADMIN_KEY is required")
		os.Exit(1)
	}
	sector, err := infra.ParseSector(sectorName)
	if err != nil {
		slog.Error("invalid RELAY_SECTOR", "error", err)
		os.Exit(1)
	}

	interval := time.Duration(intervalSec) * time.Second

	slog.Info("relay starting",
		"source", sourceURL,
		"target", targetURL,
		"sector", sector,
		"interval", interval,
		"tick_target", tickTarget,
	)

	relay := federation.NewRelay(federation.NewObserver(sourceURL), federation.NewActor(targetURL, adminKey), sector)
	relay.TickTarget = tickTarget

	// Wait for both APIs before the first cycle.
	slog.Info("waiting for infrasim APIs...")
	waitForAPI(sourceURL)
	waitForAPI(targetURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCycle(ctx, relay)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runCycle(ctx, relay)
		case <-ctx.Done():
			slog.Info("shutting down", "last_year", relay.LastYear())
			fmt.Println("Relay stopped.")
			return
		}
	}
}

// runCycle relays one year if the source has committed a new one.
func runCycle(ctx context.Context, relay *federation.Relay) {
	year, err := relay.Step(ctx)
	switch {
	case errors.Is(err, federation.ErrNoNewYear):
		slog.Debug("source has no new year", "last_year", relay.LastYear())
	case err != nil:
		slog.Error("relay cycle failed", "error", err)
	default:
		slog.Info("relay cycle complete", "year", year)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// waitForAPI polls the status endpoint with exponential backoff until it
// responds. Exits after 5 minutes if the API never becomes ready.
func waitForAPI(apiURL string) {
	backoff := 2 * time.Second
	maxBackoff := 30 * time.Second
	deadline := time.Now().Add(5 * time.Minute)

	for {
		resp, err := http.Get(apiURL + "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				slog.Info("infrasim API is ready", "url", apiURL)
				return
			}
		}
		if time.Now().After(deadline) {
			slog.Error("infrasim API did not become ready within 5 minutes", "url", apiURL)
			os.Exit(1)
		}
		slog.Info("infrasim not ready, retrying...", "url", apiURL, "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
