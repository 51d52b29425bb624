// TowerGate Tower
//
// Central policy authority for a fleet of gates: access resolution,
// presence tracking, session lifecycle and recording intake.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/towergate/towergate/internal/policy"
	"github.com/towergate/towergate/internal/tower"
)

var version = "1.0.0"

func main() {
	addr := flag.String("addr", ":8443", "API listen address")
	dataPath := flag.String("data", "tower_state.json", "state file path")
	recordingsDir := flag.String("recordings", "recordings", "session recording directory")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	logFormat := flag.String("log-format", "json", "log format (json|text)")
	flag.Parse()

	log := buildLogger(*logLevel, *logFormat)

	store, err := tower.NewStore(*dataPath, log)
	if err != nil {
		log.Error("cannot open state file", "path", *dataPath, "error", err)
		os.Exit(1)
	}

	recordings, err := tower.NewRecordingStore(*recordingsDir, log)
	if err != nil {
		log.Error("cannot open recording directory", "path", *recordingsDir, "error", err)
		os.Exit(1)
	}
	defer recordings.Close()

	resolver := policy.NewResolver(store, log)
	challenges := tower.NewChallengeStore()
	server := tower.NewServer(store, resolver, challenges, recordings, log, version)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("tower listening", "addr", *addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}

func buildLogger(level, format string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
