// Package main runs avatar sandboxes behind a WebSocket server, for hosts
// configured with sandbox.mode=websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/normanking/avatarbridge/internal/asset"
	"github.com/normanking/avatarbridge/internal/avatar2d"
	"github.com/normanking/avatarbridge/internal/avatar3d"
	"github.com/normanking/avatarbridge/internal/config"
	"github.com/normanking/avatarbridge/internal/logging"
	"github.com/normanking/avatarbridge/internal/sandbox"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var (
		listen    string
		configDir string
		logLevel  string
		modelsDir string
	)

	rootCmd := &cobra.Command{
		Use:     "avatar-sandbox",
		Short:   "Serve avatar sandboxes over WebSocket",
		Long:    "Serves one sandbox per connection at " + sandbox.PathPrefix + "<backend> for the rigged3d and rigged2d backends.",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configDir)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Sandbox.Listen = listen
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			syslog, err := logging.New(&logging.Config{
				LogDir:  cfg.Logging.Dir,
				Level:   logging.LogLevel(cfg.Logging.Level),
				Console: true,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer syslog.Close()
			logger := syslog.Zerolog()

			opts := sandbox.Options{
				FrameInterval:   cfg.Avatar.FrameInterval,
				LipSyncInterval: cfg.Avatar.LipSyncInterval,
				PulseDuration:   cfg.Avatar.PulseDuration,
				Logger:          logger,
			}
			if modelsDir != "" {
				opts.Models = modelLister(modelsDir, cfg.Assets.CacheDir, logger)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := sandbox.NewServer(opts, avatar3d.Rig3D{}, avatar2d.Rig2D{})
			logger.Info().Str("addr", cfg.Sandbox.Listen).Msg("Sandbox server listening")
			if err := srv.ListenAndServe(ctx, cfg.Sandbox.Listen); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info().Msg("Sandbox server stopped")
			return nil
		},
	}

	rootCmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	rootCmd.Flags().StringVar(&configDir, "config", "", "config directory (default ~/.avatarbridge)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.Flags().StringVar(&modelsDir, "models", "", "directory whose models answer getModels")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func loadConfig(dir string) (*config.Config, error) {
	if dir == "" {
		return config.Load()
	}
	return config.LoadFrom(dir)
}

func modelLister(dir, cacheDir string, logger zerolog.Logger) func() []string {
	loader := asset.NewLoader(asset.LoaderConfig{
		Bundle:   os.DirFS(dir),
		Fs:       afero.NewOsFs(),
		CacheDir: cacheDir,
	}, logger)
	return loader.Models
}
