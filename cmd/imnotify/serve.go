package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/imnotify/internal/core"
	"github.com/keepmind9/imnotify/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the notification daemon",
	Long: `Start the notification daemon: log in to the configured IM network and
accept build events on the hook server.

Signals:
  SIGINT, SIGTERM  stop gracefully
  SIGHUP           reload the configuration file and reconnect`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, err := resolveConfigPath()
		if err != nil {
			return err
		}

		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := initLogger(config); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"config_file": configFile,
			"network":     config.IM.Network,
			"hostname":    config.IM.Hostname,
			"account":     config.IM.Account,
			"secret":      logger.MaskSecret(config.IM.Secret),
			"hook_port":   config.HookServer.Port,
			"log_level":   config.Logging.Level,
		}).Info("imnotify-starting")
		if !config.Enabled() {
			logger.Warn("im-hostname-empty-notifications-will-be-skipped")
		}

		engine := core.NewEngine(config)
		return runEngine(cmd.Context(), engine, configFile)
	},
}

// initLogger builds the global logger from the logging section
func initLogger(config *core.Config) error {
	return logger.InitLogger(logger.Config{
		Level:        config.Logging.Level,
		File:         config.Logging.File,
		MaxSize:      config.Logging.MaxSize,
		MaxBackups:   config.Logging.MaxBackups,
		MaxAge:       config.Logging.MaxAge,
		Compress:     config.Logging.Compress,
		EnableStdout: config.Logging.EnableStdout,
	})
}

// runEngine runs the engine until a stop signal or an engine error
func runEngine(parent context.Context, engine *core.Engine, configFile string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	engineErrChan := make(chan error, 1)
	go func() {
		engineErrChan <- engine.Run(ctx)
	}()

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reloadConfig(engine, configFile)
				continue
			}
			logger.WithField("signal", sig.String()).Info("shutting-down")
			cancel()
			<-engineErrChan
			if err := engine.Stop(); err != nil {
				logger.WithField("error", err).Error("shutdown-failed")
				return err
			}
			logger.Info("imnotify-stopped")
			return nil
		case err := <-engineErrChan:
			if stopErr := engine.Stop(); stopErr != nil {
				logger.WithField("error", stopErr).Error("shutdown-failed")
			}
			if err != nil {
				return fmt.Errorf("engine error: %w", err)
			}
			return nil
		}
	}
}

// reloadConfig keeps the running configuration when the file is invalid
func reloadConfig(engine *core.Engine, configFile string) {
	config, err := core.LoadConfig(configFile)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"config_file": configFile,
			"error":       err,
		}).Error("config-reload-failed")
		return
	}
	if err := engine.Reload(config); err != nil {
		logger.WithField("error", err).Error("engine-reload-failed")
		return
	}
	logger.WithField("config_file", configFile).Info("config-reloaded")
}
