package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/scheduler"
	"github.com/mkarlsen/memsched/internal/server"
	"github.com/mkarlsen/memsched/internal/tracing"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler as a daemon exposing an HTTP API for task
submission and status, plus Prometheus metrics.

Example:
  memsched serve                 # listen on the configured address
  memsched serve --addr :9710    # listen on port 9710`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "address to listen on (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	if debugFlag || os.Getenv("MEMSCHED_DEBUG") != "" {
		logPath := os.Getenv("MEMSCHED_LOG")
		if logPath == "" {
			logPath = "debug.log"
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
		log.Info(log.CatConfig, "memsched daemon starting", "logPath", logPath)
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	sched, err := scheduler.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	srv, err := server.New(sched, addr)
	if err != nil {
		sched.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	fmt.Printf("memsched listening on %s\n", srv.Addr())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			sched.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatSched, "Error stopping HTTP server", err)
	}
	sched.Stop()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatSched, "Error flushing traces", err)
	}

	fmt.Println("Daemon stopped")
	return nil
}
