package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/chat"
	"github.com/comigor/carechat-go/internal/config"
	"github.com/comigor/carechat-go/internal/history"
	"github.com/comigor/carechat-go/internal/logger"
	"github.com/comigor/carechat-go/internal/stream"
)

func main() {

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	// Transcript cache, used when the backend cannot return a session's history
	store := history.Open(cfg.History.DSN)
	defer store.Close()

	api := backend.NewClient(cfg.Backend)
	machine := chat.NewMachine(stream.NewClient(*cfg), chat.WithRecorder(store))

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	logger.L.Info("starting chat client", "backend", api.BaseURL())
	r := newREPL(machine, api, store, os.Stdout)
	r.run(context.Background(), os.Stdin, interrupts)
}
