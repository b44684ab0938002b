package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timzifer/fleetreplay/config"
	"github.com/timzifer/fleetreplay/internal/logging"
	"github.com/timzifer/fleetreplay/internal/reload"
	"github.com/timzifer/fleetreplay/service"
	"github.com/timzifer/fleetreplay/telemetry"
)

const reloadPollInterval = time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve playback sessions, sensor state and charts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			applyListen(cfg, listen)

			unlock, err := acquireLock(cfg.StoragePath() + ".lock")
			if err != nil {
				return err
			}
			defer unlock()

			collector, err := newTelemetryCollector(cfg.Telemetry)
			if err != nil {
				fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
				collector = telemetry.Noop()
			}

			runCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			err = runWithHotReload(runCtx, ctx.configPath, cfg, listen, collector)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address overriding the configuration")
	return cmd
}

func applyListen(cfg *config.Config, listen string) {
	if strings.TrimSpace(listen) != "" {
		cfg.Listen = listen
	}
}

// acquireLock keeps a second server from sharing the same database.
func acquireLock(path string) (func(), error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("another fleetreplay instance holds %s", path)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Str("lock", path).Msg("failed to release lock")
		}
	}, nil
}

// runWithHotReload runs the service and, when hot reload is enabled, restarts
// it whenever a configuration file changes and the new configuration is valid.
func runWithHotReload(ctx context.Context, cfgPath string, initialCfg *config.Config, listen string, collector telemetry.Collector) error {
	if collector == nil {
		collector = telemetry.Noop()
	}
	watcher, err := reload.NewWatcher(cfgPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		srv, err := service.New(cfg, logger, service.WithTelemetry(collector))
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var changed []string

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				if err := <-errCh; err != nil {
					srv.Close()
					cleanup()
					return err
				}
				srv.Close()
				cleanup()
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				cleanup()
				return err
			case <-ticker.C:
				if !cfg.HotReload {
					continue
				}
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					continue
				}
				applyListen(newCfg, listen)
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				if newCfg.StoragePath() != cfg.StoragePath() {
					logger.Warn().Str("storage", newCfg.StoragePath()).Msg("storage path changes need a restart; keeping the current database")
					newCfg.Storage.Path = cfg.StoragePath()
				}
				cancelRun()
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				cleanup()
				if err := watcher.Update(cfgPath, newCfg); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				break loop
			}
		}

		for _, file := range changed {
			collector.IncHotReload(file)
		}
	}
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}
