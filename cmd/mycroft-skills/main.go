// Package main runs the skill service: the skill manager and the
// intent dispatch engine, connected to the bus hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fossabot/mycroft-core/internal/bus/ws"
	"github.com/fossabot/mycroft-core/internal/config"
	"github.com/fossabot/mycroft-core/internal/fallback"
	"github.com/fossabot/mycroft-core/internal/intent"
	"github.com/fossabot/mycroft-core/internal/logging"
	"github.com/fossabot/mycroft-core/internal/skill"
	"github.com/fossabot/mycroft-core/internal/skill/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("mycroft-skills %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := ws.NewClient(logger, cfg.Websocket.URL(), "skills",
		ws.WithClientRequestTimeout(cfg.Websocket.RequestTimeout))
	if err := client.Start(); err != nil {
		logger.Error("connect to bus hub", zap.Error(err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client.Stop(sctx)
	}()

	st, err := store.Open(cfg.Skills.DataDir)
	if err != nil {
		logger.Error("open skill store", zap.Error(err))
		return 1
	}
	defer st.Close()

	registry := intent.NewRegistry()
	tracker := intent.NewTracker(cfg.Context.TTL)

	var serviceOpts []intent.ServiceOption
	provider, err := fallback.New(cfg.Fallback)
	if err != nil {
		logger.Error("configure llm fallback", zap.Error(err))
		return 1
	}
	if provider != nil {
		logger.Info("llm fallback enabled", zap.String("provider", provider.Name()))
		serviceOpts = append(serviceOpts, intent.WithFallbackProvider(provider))
	}

	dispatcher := intent.NewService(logger, client, registry, tracker,
		cfg.Intent.KeywordThreshold, cfg.Intent.PhraseThreshold, serviceOpts...)
	if err := dispatcher.Start(); err != nil {
		logger.Error("start intent dispatch", zap.Error(err))
		return 1
	}
	defer dispatcher.Stop()

	manager := skill.NewManager(logger, client, registry, tracker, st, cfg.Skills.Directory,
		skill.WithRestartBudget(cfg.Skills.RestartBudget),
		skill.WithRestartBackoff(cfg.Skills.RestartBackoff))
	if err := manager.Start(ctx); err != nil {
		logger.Error("start skill manager", zap.Error(err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Stop(sctx)
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tracker.Sweep(gctx, cfg.Context.SweepInterval)
		return nil
	})

	watcher, err := skill.NewWatcher(logger, cfg.Skills.Directory, func(name string) {
		if err := manager.Reload(context.Background(), name); err != nil {
			logger.Warn("hot reload failed", zap.String("skill", name), zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("skill watcher disabled", zap.Error(err))
	} else {
		watcher.WithReloadDebounce(cfg.Skills.ReloadDebounce)
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	if cfg.Skills.SettingsEndpoint != "" {
		sync := skill.NewSettingsSync(logger, client, st, manager, cfg.Skills.SettingsEndpoint,
			skill.WithSyncInterval(cfg.Skills.SettingsSyncInterval))
		g.Go(func() error {
			if err := sync.Run(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if cfg.Skills.UpdateSchedule != "" {
		g.Go(func() error {
			if err := manager.RunUpdates(gctx, cfg.Skills.UpdateSchedule); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	logger.Info("skill service running",
		zap.String("skills", cfg.Skills.Directory),
		zap.Int("loaded", len(manager.States())))

	if err := g.Wait(); err != nil {
		logger.Error("skill service stopped", zap.Error(err))
		return 1
	}
	logger.Info("skill service stopped")
	return 0
}

func parseFlags() (string, bool) {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "mycroft.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "mycroft.yaml", "Path to configuration file (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	return configPath, showVersion
}
