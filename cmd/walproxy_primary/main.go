package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	pb "github.com/sushant-115/walproxy/api/proto"
	proxyservice "github.com/sushant-115/walproxy/api/proxy_service"
	wallogservice "github.com/sushant-115/walproxy/api/wal_log_service"
	"github.com/sushant-115/walproxy/config"
	"github.com/sushant-115/walproxy/config/certs"
	"github.com/sushant-115/walproxy/core/engine"
	"github.com/sushant-115/walproxy/core/session"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"github.com/sushant-115/walproxy/pkg/logger"
	"github.com/sushant-115/walproxy/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	listenAddr = flag.String("listen", "", "gRPC listen address (overrides primary.listen_address)")
	dbPath     = flag.String("db", "", "Database file (overrides primary.db_path)")
	genCerts   = flag.String("gen-certs", "", "Write a CA, server and client certificate pair into this directory and exit")
	certHost   = flag.String("cert-host", "localhost", "Host name or IP placed in the generated server certificate")
)

func main() {
	flag.Parse()

	if *genCerts != "" {
		if err := certs.GenerateCerts(*genCerts, *certHost); err != nil {
			log.Fatalf("CRITICAL: failed to generate certificates: %v", err)
		}
		fmt.Printf("Certificates written to %s\n", *genCerts)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	cfg.Role = config.RolePrimary
	if *listenAddr != "" {
		cfg.Primary.ListenAddress = *listenAddr
	}
	if *dbPath != "" {
		cfg.Primary.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("CRITICAL: invalid configuration: %v", err)
	}

	cfg.Logger.Role = string(config.RolePrimary)
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("CRITICAL: primary failed", zap.Error(err))
	}
	zlogger.Info("walproxy primary shut down gracefully.")
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

	sessionMetrics, err := internaltelemetry.NewSessionMetrics(tel.Meter)
	if err != nil {
		return err
	}
	grpcMetrics, err := internaltelemetry.NewGrpcMetrics(tel.Meter, "server")
	if err != nil {
		return err
	}

	pc := cfg.Primary
	eng, err := engine.Open(pc.DBPath, engine.Options{BusyTimeout: pc.BusyTimeout}, zlogger)
	if err != nil {
		return err
	}
	defer eng.Close()

	walLog, err := wal.NewLogManager(pc.WALDirOrDefault(), zlogger, pc.WAL)
	if err != nil {
		return err
	}
	defer walLog.Close()

	sessions := session.NewTable(eng, walLog, pc.Session, clock.WallClock, zlogger, sessionMetrics)
	sessions.Start()
	defer sessions.Close()

	opts := append(pb.ServerOptions(), grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	serverTLS, err := cfg.TLS.ServerTLS()
	if err != nil {
		return err
	}
	if serverTLS != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}
	server := grpc.NewServer(opts...)
	pb.RegisterProxyServer(server, proxyservice.NewProxyServer(sessions, zlogger))
	pb.RegisterWalLogServer(server, wallogservice.NewWalLogServer(walLog, pc.MaxFramesPerPull, zlogger))

	lis, err := net.Listen("tcp", pc.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", pc.ListenAddress, err)
	}

	zlogger.Info("Starting walproxy primary",
		zap.String("listen", lis.Addr().String()),
		zap.String("db", pc.DBPath),
		zap.String("walDir", pc.WALDirOrDefault()),
		zap.Uint64("lastOffset", walLog.LastOffset()),
		zap.Bool("tls", serverTLS != nil),
		zap.String("metrics", tel.MetricsAddr))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(lis) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		zlogger.Info("Shutdown signal received", zap.Stringer("signal", sig))
	case err := <-serveErr:
		return fmt.Errorf("grpc server stopped: %w", err)
	}

	// In-flight statements finish; a stuck client cannot hold shutdown
	// past the configured timeout.
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(pc.ShutdownTimeout):
		zlogger.Warn("Graceful stop timed out, forcing", zap.Duration("timeout", pc.ShutdownTimeout))
		server.Stop()
	}
	// Deferred closes run in reverse: sessions roll back, then the log
	// and the engine close.
	return nil
}
