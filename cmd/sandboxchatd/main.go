package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cexll/sandboxchat/pkg/api"
	"github.com/cexll/sandboxchat/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sandboxchatd",
		Short:        "Chat front door that runs code and MCP tool servers in sandboxes",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API and the in-process workflow workers.

Settings come from the YAML file given by --config, overridden by
SANDBOXCHAT_* environment variables. Log level and session TTL are
reloaded when the file changes. Ctrl+C drains in-flight work and exits.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "sandboxchat.yaml", "path to the settings file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(settings.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger, err := newLogger(settings.Log, level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := api.New(ctx, api.Options{Settings: *settings, Logger: logger, Level: &level})
	if err != nil {
		logger.Error("runtime setup failed", zap.Error(err))
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("runtime close", zap.Error(err))
		}
	}()

	if settings.SourceHash != "" {
		watcher, err := config.NewWatcher(configPath,
			config.OnChange(rt.Apply),
			config.OnError(func(err error) { logger.Warn("settings reload failed", zap.Error(err)) }),
		)
		if err != nil {
			return err
		}
		if _, err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Close()
	}

	logger.Info("sandboxchatd starting", zap.String("version", version), zap.String("config", configPath))
	return api.NewServer(rt).ListenAndServe(ctx)
}

func newLogger(cfg config.LogConfig, level zap.AtomicLevel) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zcfg.Level = level
	return zcfg.Build()
}
