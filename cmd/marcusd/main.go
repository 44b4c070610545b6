package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/core"
	"github.com/antigravity-dev/marcus/internal/events"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}

	oldDataDir := strings.TrimSpace(oldCfg.General.DataDir)
	newDataDir := strings.TrimSpace(newCfg.General.DataDir)
	if oldDataDir != newDataDir {
		return fmt.Errorf("data_dir changed (%q -> %q) and requires restart", oldDataDir, newDataDir)
	}
	return nil
}

// firstEnabledProject picks the startup project deterministically.
func firstEnabledProject(cfg *config.Config) (string, bool) {
	ids := make([]string, 0, len(cfg.Projects))
	for id, p := range cfg.Projects {
		if p.Enabled {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

func main() {
	configPath := flag.String("config", "marcus.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	watch := flag.Bool("watch", false, "reload config on file changes in addition to SIGHUP")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("marcusd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	c, err := core.New(logger, cfgManager)
	if err != nil {
		logger.Error("failed to start core", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *watch {
		go func() {
			if err := config.Watch(ctx, cfgManager, *configPath, logger.With("component", "config")); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	if projectID, ok := firstEnabledProject(cfg); ok {
		if err := c.SwitchProject(ctx, projectID); err != nil {
			logger.Error("failed to activate startup project", "project", projectID, "error", err)
			os.Exit(1) //nolint:gocritic // exitAfterDefer: acceptable in main() startup
		}
		if _, err := c.SubscribeEvents(nil, func(ev events.Event) {
			logger.Debug("event", "kind", ev.Kind, "project", ev.ProjectID, "payload", ev.Payload)
		}); err != nil {
			logger.Warn("event subscription failed", "error", err)
		}
	} else {
		logger.Warn("no enabled projects configured; waiting for reload")
	}

	logger.Info("marcusd running", "projects", len(cfg.Projects))

	applyReload := func() error {
		updatedCfg, reloadErr := config.Load(*configPath)
		if reloadErr != nil {
			return reloadErr
		}
		if validateErr := validateRuntimeConfigReload(cfg, updatedCfg); validateErr != nil {
			return validateErr
		}
		cfgManager.Set(updatedCfg)
		cfg = updatedCfg
		logger = configureLogger(cfg.General.LogLevel, *dev)
		slog.SetDefault(logger)
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := applyReload(); err != nil {
				logger.Error(fmt.Sprintf("config reload failed: %v", err))
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("marcusd stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
