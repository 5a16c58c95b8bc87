package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/order-router/internal/cli"
	"github.com/amirphl/order-router/internal/config"
	"github.com/amirphl/order-router/internal/metrics"
	"github.com/amirphl/order-router/internal/utils"
)

// serveMetrics exposes the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	utils.GetLogger().Infof("Main | serving metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// printIntegrity reports config drift and missing credentials on startup.
func printIntegrity(cfg config.Config, configPath string) {
	report := config.CheckIntegrity(cfg, configPath, config.IntegrityPath(), time.Now())
	if report.OK {
		return
	}
	fmt.Println("Integrity check:")
	for _, issue := range report.Issues {
		fmt.Printf("- %s\n", issue)
	}
}

func main() {
	// Load configuration
	cfg, flags := config.MustLoadConfig()
	utils.SetLogFile(cfg.LogFile)
	logger := utils.GetLogger()
	defer logger.Sync()

	logger.Infof("Main | starting order router in %s mode", metrics.Mode(cfg.DryRun))

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("Main | received signal %v, shutting down", sig)
		cancel()
	}()

	printIntegrity(cfg, flags.ConfigPath())

	session, err := cli.NewSession(ctx, cfg, cli.Deps{})
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer session.Close()

	if err := session.Bootstrap(ctx); err != nil {
		fmt.Printf("Warning: order feed unavailable (%v)\n", err)
	}

	dispatcher := cli.NewDispatcher(session, os.Stdout)

	if len(flags.Args) > 0 {
		code := dispatcher.RunOnce(ctx, flags.Args)
		session.Close()
		os.Exit(code)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}
	g.Go(func() error {
		// Quitting the shell stops the metrics server too.
		defer cancel()
		return dispatcher.Run(gctx, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Main | %v", err)
		fmt.Printf("Error: %v\n", err)
	}
	logger.Info("Main | shutdown complete")
}
