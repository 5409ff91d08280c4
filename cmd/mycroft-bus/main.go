// Package main is the message bus hub: every other mycroft process
// connects here over websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fossabot/mycroft-core/internal/bus"
	"github.com/fossabot/mycroft-core/internal/bus/ws"
	"github.com/fossabot/mycroft-core/internal/config"
	"github.com/fossabot/mycroft-core/internal/logging"
)

// Version information (set via ldflags during build).
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
		fmt.Printf("mycroft-bus %s (%s)\n", version, commit)
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

	local := bus.NewBus()
	if err := local.Start(); err != nil {
		logger.Error("start local bus", zap.Error(err))
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		local.Stop(sctx)
	}()

	hub := ws.NewHub(logger, ws.WithLocalBus(local))

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Websocket.Route, hub.HandleWebSocket)
	server := &http.Server{
		Addr:    cfg.Websocket.Addr(),
		Handler: mux,
	}

	// A config change is announced to every peer so they can re-read
	// their own sections.
	watcher, err := config.NewWatcher(logger, configPath, func() {
		msg := bus.New("configuration.updated", nil)
		if err := hub.Emit(msg); err != nil {
			logger.Warn("announce config change", zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("bus hub listening",
			zap.String("addr", cfg.Websocket.Addr()),
			zap.String("route", cfg.Websocket.Route))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("bus hub stopped", zap.Error(err))
		return 1
	}
	logger.Info("bus hub stopped")
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
