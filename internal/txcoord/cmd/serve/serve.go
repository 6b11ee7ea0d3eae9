// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package serve

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/innovationmech/txcoord/internal/txcoord/config"
	"github.com/innovationmech/txcoord/internal/txcoord/server"
	cfg "github.com/innovationmech/txcoord/pkg/config"
	"github.com/innovationmech/txcoord/pkg/logger"
)

type options struct {
	workDir     string
	environment string
}

// NewServeCmd creates a new serve command.
func NewServeCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the transaction coordinator",
		Long: `Start the transaction coordinator HTTP service.

Configuration is read from txcoord.yaml in the working directory, the
optional txcoord.<env>.yaml and txcoord.override.yaml, then TXCOORD_*
environment variables. The log level is reloaded when the files change.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			logger.InitLogger()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.workDir, "config-dir", ".", "directory holding the configuration files")
	cmd.Flags().StringVar(&opts.environment, "env", "", "environment name selecting txcoord.<env>.yaml")
	return cmd
}

func newManager(opts *options) *cfg.Manager {
	o := cfg.DefaultOptions()
	o.WorkDir = opts.workDir
	o.EnvironmentName = opts.environment
	return cfg.NewManager(o)
}

// runServer runs the coordinator until ctx is cancelled.
func runServer(ctx context.Context, opts *options) error {
	manager := newManager(opts)
	c, err := config.Load(manager)
	if err != nil {
		logger.GetLogger().Error("Failed to load configuration", zap.Error(err))
		return err
	}
	applyLogLevel(c.Logging.Level)

	reloader := cfg.NewHotReloader(manager, 500*time.Millisecond)
	if err := reloader.Start(); err == nil {
		defer reloader.Stop()
		go watchConfig(reloader)
	} else {
		logger.GetLogger().Debug("hot reloader not started", zap.Error(err))
	}

	srv, err := server.New(ctx, c)
	if err != nil {
		logger.GetLogger().Error("Failed to create server", zap.Error(err))
		return err
	}
	if err := srv.Start(ctx); err != nil {
		_ = srv.Stop(context.Background())
		return err
	}

	<-ctx.Done()
	logger.GetLogger().Info("Shutdown signal received, stopping server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.GetLogger().Error("Error during server shutdown", zap.Error(err))
		return err
	}
	logger.GetLogger().Info("Server shutdown complete")
	return nil
}

// watchConfig applies runtime-adjustable settings from reloaded configuration.
func watchConfig(reloader *cfg.HotReloader) {
	for change := range reloader.Events() {
		if change.Err != nil {
			logger.GetLogger().Warn("config reload error", zap.Error(change.Err))
			continue
		}
		if v, ok := change.Settings["logging"].(map[string]interface{}); ok {
			if level, ok := v["level"].(string); ok && level != "" {
				applyLogLevel(level)
			}
		}
	}
}

func applyLogLevel(level string) {
	if level == "" || level == logger.GetLevel() {
		return
	}
	if err := logger.SetLevel(level); err != nil {
		logger.GetLogger().Warn("apply log level failed", zap.String("level", level), zap.Error(err))
		return
	}
	logger.GetLogger().Info("log level updated", zap.String("level", logger.GetLevel()))
}
