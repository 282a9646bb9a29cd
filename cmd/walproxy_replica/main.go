package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpservice "github.com/sushant-115/walproxy/api/http_service"
	"github.com/sushant-115/walproxy/config"
	"github.com/sushant-115/walproxy/core/writeproxy"
	"github.com/sushant-115/walproxy/pkg/logger"
	"github.com/sushant-115/walproxy/pkg/telemetry"
	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file")
	primaryAddr = flag.String("primary", "", "Primary gRPC address (overrides replica.primary_address)")
	dbPath      = flag.String("db", "", "Local replica database (overrides replica.db_path)")
	httpAddr    = flag.String("http", "", "HTTP listen address (overrides replica.http_address)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	cfg.Role = config.RoleReplica
	if *primaryAddr != "" {
		cfg.Replica.PrimaryAddress = *primaryAddr
	}
	if *dbPath != "" {
		cfg.Replica.DBPath = *dbPath
	}
	if *httpAddr != "" {
		cfg.Replica.HTTPAddress = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	cfg.Logger.Role = string(config.RoleReplica)
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: replica failed", zap.Error(err))
	}
	zlogger.Info("walproxy replica shut down gracefully.")
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			zlogger.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	clientTLS, err := cfg.TLS.ClientTLS()
	if err != nil {
		return err
	}
	rc := cfg.Replica
	factory, err := writeproxy.NewFactory(context.Background(), writeproxy.FactoryConfig{
		PrimaryAddress:    rc.PrimaryAddress,
		DBPath:            rc.DBPath,
		BusyTimeout:       rc.BusyTimeout,
		DisconnectTimeout: rc.DisconnectTimeout,
		Puller:            rc.Puller,
		TLS:               clientTLS,
	}, zlogger, tel.Meter)
	if err != nil {
		return err
	}

	svc := httpservice.NewHTTPService(factory, factory.Puller(), zlogger)
	server := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	lis, err := net.Listen("tcp", rc.HTTPAddress)
	if err != nil {
		factory.Close()
		return fmt.Errorf("failed to listen on %s: %w", rc.HTTPAddress, err)
	}
	zlogger.Info("Starting walproxy replica",
		zap.String("http", lis.Addr().String()),
		zap.String("primary", rc.PrimaryAddress),
		zap.String("db", rc.DBPath),
		zap.String("metrics", tel.MetricsAddr))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	pullerDead := factory.Puller().Dead()
	var result error
wait:
	for {
		select {
		case sig := <-sigCh:
			zlogger.Info("Shutdown signal received", zap.Stringer("signal", sig))
			break wait
		case err := <-serveErr:
			result = fmt.Errorf("http server stopped: %w", err)
			break wait
		case <-pullerDead:
			// Reads keep being served from the stale replica and writes
			// still reach the primary; the operator must resync the file.
			zlogger.Error("Replication stopped; local reads are no longer refreshed",
				zap.Error(factory.Wait()))
			pullerDead = nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zlogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := factory.Close(); err != nil {
		zlogger.Warn("Factory close reported errors", zap.Error(err))
	}
	if err := factory.Wait(); err != nil {
		zlogger.Warn("Replication ended with an error", zap.Error(err))
	}
	return result
}
