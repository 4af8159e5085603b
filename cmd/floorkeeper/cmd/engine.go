package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/floorkeeper/floorkeeper/internal/core/server"
)

const Version = "0.1.0"

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the scheduler loop and HTTP API",
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(engineCmd)
	engineCmd.Flags().String("host", "", "HTTP server host")
	engineCmd.Flags().Int("port", 0, "HTTP server port")
	engineCmd.Flags().Duration("tick-interval", 0, "scheduler tick period")
}

func runEngine(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.close()

	if cmd.Flags().Changed("host") {
		rt.cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		rt.cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("tick-interval") {
		rt.cfg.TickInterval, _ = cmd.Flags().GetDuration("tick-interval")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(rt.orch, rt.conn, rt.store, rt.logger, rt.cfg.RequestTimeout)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", rt.cfg.Host, rt.cfg.Port),
		Handler: srv,
	}

	rt.logger.Info("starting floorkeeper engine",
		zap.String("version", Version),
		zap.String("addr", httpServer.Addr),
		zap.Duration("tick_interval", rt.cfg.TickInterval),
		zap.String("tick_scope", rt.cfg.TickScope))

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Scheduler loop. A tick interrupted by shutdown leaves unprocessed
	// rules to the next start; re-evaluation is idempotent.
	go func() {
		ticker := time.NewTicker(rt.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := rt.orch.Tick(ctx, rt.cfg.TickScope); err != nil {
					rt.logger.Error("scheduled tick failed", zap.Error(err))
				}
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-sigChan:
		rt.logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
