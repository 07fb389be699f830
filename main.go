package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Herolin12/orbit/capture"
	"github.com/Herolin12/orbit/config"
	"github.com/Herolin12/orbit/database"
	"github.com/Herolin12/orbit/process"
	"github.com/Herolin12/orbit/server"
	"github.com/Herolin12/orbit/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (defaults apply when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if os.Geteuid() != 0 {
		log.Warn("Not running as root; attaching kernel tracing will likely fail")
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := process.NewTable()
	if err := table.Refresh(); err != nil {
		log.Fatalf("Failed to scan processes: %v", err)
	}
	go refreshProcesses(ctx, table, cfg.RefreshEvery)

	registry := capture.NewRegistry()
	newProducer := func() capture.Producer {
		return tracing.NewProducer(tracing.Config{
			PollInterval:      cfg.Capture.PollInterval,
			ClockSyncInterval: cfg.Capture.ClockSyncEvery,
		})
	}

	service := server.NewService(table, registry, db, cfg.Capture, newProducer)
	srv := server.NewServer(cfg.ListenAddr, table, service, db)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	log.Infof("Listening on %s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infof("Received %v, shutting down", s)
	case err := <-errCh:
		if err != nil {
			log.Errorf("Server error: %v", err)
		}
	}

	// Aborting sessions ends each capture stream through the normal
	// stop path, so clients still receive their final batches and the
	// ended message before the listener goes away.
	registry.AbortAll(errors.New("server shutting down"))
	waitForSessions(registry, cfg.Capture.FlushGrace)
	cancel()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		log.Warn("Timed out waiting for server to stop")
	}
}

func refreshProcesses(ctx context.Context, table *process.Table, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := table.Refresh(); err != nil {
				log.Errorf("Process table refresh failed: %v", err)
			}
		}
	}
}

func waitForSessions(registry *capture.Registry, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(registry.Sessions()) == 0 {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	log.Warnf("%d session(s) still active after %v grace", len(registry.Sessions()), grace)
}
