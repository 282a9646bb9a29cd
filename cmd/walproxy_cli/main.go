package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/chzyer/readline"
	"github.com/sushant-115/walproxy/config"
	"github.com/sushant-115/walproxy/core/writeproxy"
	"github.com/sushant-115/walproxy/internal/pgwire"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"github.com/sushant-115/walproxy/pkg/logger"
	"go.uber.org/zap"
)

var (
	configPath  = flag.String("config", "", "Path to the YAML configuration file (replica section)")
	primaryAddr = flag.String("primary", "", "Primary gRPC address (overrides replica.primary_address)")
	dbPath      = flag.String("db", "", "Local replica database; a temporary file when empty")
	pgAddr      = flag.String("pg", "", "Connect to a Postgres-compatible server at host:port instead of the primary")
	pgUser      = flag.String("pg-user", "postgres", "User for -pg")
	pgDatabase  = flag.String("pg-db", "postgres", "Database for -pg")
	pgPassword  = flag.String("pg-password", "", "Cleartext password for -pg")
	timeout     = flag.Duration("timeout", 30*time.Second, "Per-statement timeout")
	verbose     = flag.Bool("v", false, "Log at debug level to stderr")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	cfg.Logger = logger.Config{Level: "warn", Format: "console", OutputFile: "stderr", Role: "cli"}
	if *verbose {
		cfg.Logger.Level = "debug"
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("CRITICAL: Can't initialize zap logger: %v", err)
	}
	defer zlogger.Sync()

	ctx := context.Background()
	exec, cleanup, err := connect(ctx, cfg, zlogger)
	if err != nil {
		log.Fatalf("CRITICAL: %v", err)
	}
	defer cleanup()

	if err := repl(ctx, &shell{exec: exec, out: os.Stdout, timeout: *timeout}); err != nil {
		log.Printf("Error: %v", err)
	}
}

// connect builds the executor selected by the flags.
func connect(ctx context.Context, cfg config.Config, zlogger *zap.Logger) (executor, func(), error) {
	if *pgAddr != "" {
		conn, err := net.DialTimeout("tcp", *pgAddr, 10*time.Second)
		if err != nil {
			return nil, nil, err
		}
		client := pgwire.NewClient(conn, pgwire.WithPassword(*pgPassword))
		if err := client.Startup(ctx, *pgUser, *pgDatabase); err != nil {
			conn.Close()
			return nil, nil, err
		}
		exec := &pgExecutor{client: client}
		return exec, func() { exec.Close(ctx) }, nil
	}

	rc := cfg.Replica
	if *primaryAddr != "" {
		rc.PrimaryAddress = *primaryAddr
	}
	if rc.PrimaryAddress == "" {
		return nil, nil, errors.New("-primary or replica.primary_address is required")
	}
	path := rc.DBPath
	if *dbPath != "" {
		path = *dbPath
	}
	var tmpDir string
	if path == "" {
		dir, err := os.MkdirTemp("", "walproxy-cli-")
		if err != nil {
			return nil, nil, err
		}
		tmpDir = dir
		path = filepath.Join(dir, "replica.db")
	}
	clientTLS, err := cfg.TLS.ClientTLS()
	if err != nil {
		return nil, nil, err
	}

	factory, err := writeproxy.NewFactory(ctx, writeproxy.FactoryConfig{
		PrimaryAddress:    rc.PrimaryAddress,
		DBPath:            path,
		BusyTimeout:       rc.BusyTimeout,
		DisconnectTimeout: rc.DisconnectTimeout,
		Puller:            rc.Puller,
		TLS:               clientTLS,
	}, zlogger, internaltelemetry.NoopMeter())
	if err != nil {
		return nil, nil, err
	}
	exec, err := newRouterExecutor(factory)
	if err != nil {
		factory.Close()
		return nil, nil, err
	}
	cleanup := func() {
		exec.Close(ctx)
		factory.Close()
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
	}
	return exec, cleanup, nil
}

func repl(ctx context.Context, sh *shell) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "walproxy> ",
		HistoryFile:     filepath.Join(home, ".walproxy_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(sh.out, "Connected, session %s. Type .help for help.\n", sh.exec.Session())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if sh.handle(ctx, line) {
			return nil
		}
		if sh.exec.State() == "in_transaction" {
			rl.SetPrompt("walproxy*> ")
		} else {
			rl.SetPrompt("walproxy> ")
		}
	}
}
