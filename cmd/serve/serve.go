// Package serve implements the serve command, the long-running rotation
// service: database, rotation engine, background maintenance jobs, and the
// HTTP API.
package serve

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	api "github.com/RGBOARD/webapp/internal/api/v2"
	"github.com/RGBOARD/webapp/internal/conf"
	"github.com/RGBOARD/webapp/internal/datastore"
	"github.com/RGBOARD/webapp/internal/jobqueue"
	"github.com/RGBOARD/webapp/internal/logging"
	"github.com/RGBOARD/webapp/internal/rotation"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rotation service",
		Long:  "Start the display rotation service: HTTP API, scheduled-item promotion, expiry cleanup and rotation advancement.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(settings)
		},
	}

	cmd.Flags().StringVar(&settings.WebServer.Port, "port", viper.GetString("webserver.port"), "Port for the HTTP server")
	cmd.Flags().BoolVar(&settings.WebServer.Debug, "webdebug", viper.GetBool("webserver.debug"), "Enable HTTP request logging")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return cmd
	}
	return cmd
}

func runServer(settings *conf.Settings) error {
	logger := logging.ForService("serve")

	serviceLogger := logging.Structured()
	if settings.Main.Log.Enabled {
		fileLogger, closeLogger, err := logging.NewFileLogger(settings.Main.Log.Path, "rotation", slog.LevelInfo)
		if err != nil {
			logger.Warn("file logging disabled", "path", settings.Main.Log.Path, "error", err)
		} else {
			serviceLogger = fileLogger
			defer func() {
				if err := closeLogger(); err != nil {
					logger.Error("failed to close log file", "error", err)
				}
			}()
		}
	}

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close datastore", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := rotation.NewMetrics(registry)

	engine := rotation.New(store, settings, serviceLogger, metrics)
	if err := engine.Restore(); err != nil {
		return fmt.Errorf("failed to restore rotation state: %w", err)
	}

	runner := jobqueue.NewRunner(settings.Rotation.MaxWorkers, serviceLogger)
	tasks := []jobqueue.Task{
		{
			Name:     "promote-scheduled",
			Interval: settings.Rotation.PromotionTick(),
			Run: func() error {
				_, err := engine.ProcessDue()
				return err
			},
			OnError: metrics.TickFailure,
		},
		{
			Name:     "expire-items",
			Interval: settings.Rotation.ExpiryTick(),
			Run: func() error {
				_, err := engine.SweepExpired()
				return err
			},
			OnError: metrics.TickFailure,
		},
		{
			Name:     "check-rotation",
			Interval: settings.Rotation.CheckTick(),
			Run:      engine.CheckRotation,
			OnError:  metrics.TickFailure,
		},
	}
	for _, t := range tasks {
		if err := runner.AddTask(t); err != nil {
			return fmt.Errorf("failed to register task %s: %w", t.Name, err)
		}
	}
	runner.Start()
	defer runner.Stop()

	e := echo.New()
	e.HideBanner = true
	api.New(e, store, settings, engine, registry)

	errChan := make(chan error, 1)
	go func() {
		addr := ":" + settings.WebServer.Port
		logger.Info("starting HTTP server", "addr", addr)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	return nil
}
