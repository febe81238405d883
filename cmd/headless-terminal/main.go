package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/memextech/headless-terminal-mcp/internal/api"
	"github.com/memextech/headless-terminal-mcp/internal/config"
	"github.com/memextech/headless-terminal-mcp/internal/controller"
	"github.com/memextech/headless-terminal-mcp/internal/db"
	"github.com/memextech/headless-terminal-mcp/internal/hub"
	"github.com/memextech/headless-terminal-mcp/internal/server"
	"github.com/memextech/headless-terminal-mcp/internal/session"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()
	if err := tidyJournal(ctx, journal, cfg.JournalRetention, logger); err != nil {
		return err
	}

	startupDelay := cfg.HT.StartupDelay
	if startupDelay == 0 {
		startupDelay = -1
	}
	probePath := ""
	if cfg.HT.Probe {
		probePath = cfg.HT.Path
	}

	manager := session.NewManager(session.Options{
		Launch: session.ControllerLauncher(controller.Options{
			Path:         cfg.HT.Path,
			Command:      cfg.HT.Command,
			Subscribe:    cfg.Kinds(),
			Size:         cfg.HT.Size,
			StartupDelay: startupDelay,
			ReadyTimeout: cfg.HT.ReadyTimeout,
			GracePeriod:  cfg.HT.GracePeriod,
			Logger:       logger,
		}),
		DefaultCommand:  cfg.HT.Command,
		Journal:         journal,
		ProbePath:       probePath,
		SnapshotTimeout: cfg.HT.SnapshotTimeout,
		Logger:          logger,
	})

	h := hub.New(cfg.Token, manager, logger)
	go h.Run(ctx)

	if cfg.PrintToken {
		fmt.Printf("\nheadless-terminal listening at ws://127.0.0.1:%d/ws?token=%s\n\n", cfg.Port, cfg.Token)
	} else {
		fmt.Printf("\nheadless-terminal listening at ws://127.0.0.1:%d/ws\n\n", cfg.Port)
	}

	srv := server.New(cfg.Port, http.HandlerFunc(h.HandleWebSocket), api.NewRouter(manager, journal, cfg.Token, logger), manager, logger)
	return srv.Start(ctx)
}

// tidyJournal fails sessions a previous run left open and prunes old ones.
func tidyJournal(ctx context.Context, journal *db.DB, retention time.Duration, logger *slog.Logger) error {
	now := time.Now().UTC()
	recovered, err := journal.RecoverInterrupted(ctx, now)
	if err != nil {
		return fmt.Errorf("recover journal: %w", err)
	}
	if recovered > 0 {
		logger.Warn("marked interrupted sessions failed", "count", recovered)
	}
	if retention <= 0 {
		return nil
	}
	pruned, err := journal.Prune(ctx, now.Add(-retention))
	if err != nil {
		return fmt.Errorf("prune journal: %w", err)
	}
	logger.Info("journal pruned", "count", pruned, "retention", retention.String())
	return nil
}
