package writeproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/juju/clock"
	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/engine"
	logreplication "github.com/sushant-115/walproxy/core/replication/log_replication"
	"github.com/sushant-115/walproxy/core/transaction"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"github.com/sushant-115/walproxy/pkg/connection"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const DefaultDisconnectTimeout = 2 * time.Second

var ErrFactoryClosed = errors.New("write-proxy factory is closed")

// FactoryConfig describes a replica front end.
type FactoryConfig struct {
	PrimaryAddress    string
	DBPath            string
	BusyTimeout       time.Duration
	DisconnectTimeout time.Duration
	Puller            logreplication.PullerConfig
	TLS               *tls.Config
	// DialOptions are passed to the gRPC client, after the defaults.
	DialOptions []grpc.DialOption
}

// FactoryDeps wires a factory from parts. Puller may be nil; Closers are
// closed in order by Factory.Close after the puller has stopped.
type FactoryDeps struct {
	Forwarder         Forwarder
	Local             LocalExecutor
	Puller            *logreplication.Puller
	Closers           []io.Closer
	DisconnectTimeout time.Duration
	Logger            *zap.Logger
	Metrics           *internaltelemetry.RouterMetrics
}

// Factory creates router handles that share one transport and one local
// replica, and owns the replica's puller.
type Factory struct {
	forwarder         Forwarder
	local             LocalExecutor
	puller            *logreplication.Puller
	closers           []io.Closer
	disconnectTimeout time.Duration
	logger            *zap.Logger
	metrics           *internaltelemetry.RouterMetrics

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// NewFactory opens the local replica, dials the primary and starts the
// puller.
func NewFactory(ctx context.Context, config FactoryConfig, logger *zap.Logger, meter metric.Meter) (*Factory, error) {
	if config.PrimaryAddress == "" || config.DBPath == "" {
		return nil, errors.New("primary address and database path are required")
	}
	routerMetrics, err := internaltelemetry.NewRouterMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create router metrics: %w", err)
	}
	replicationMetrics, err := internaltelemetry.NewReplicationMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create replication metrics: %w", err)
	}
	grpcMetrics, err := internaltelemetry.NewGrpcMetrics(meter, "client")
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc metrics: %w", err)
	}

	// The apply path opens first so the file exists in WAL mode before
	// the query-only readers attach.
	writer, err := engine.Open(config.DBPath, engine.Options{BusyTimeout: config.BusyTimeout, MaxOpenConns: 1}, logger)
	if err != nil {
		return nil, err
	}
	cursor, err := writer.Cursor(ctx)
	if err != nil {
		writer.Close()
		return nil, err
	}
	reader, err := engine.Open(config.DBPath, engine.Options{ReadOnly: true, BusyTimeout: config.BusyTimeout}, logger)
	if err != nil {
		writer.Close()
		return nil, err
	}

	connections := connection.NewConnectionManager(connection.Options{
		TLS:            config.TLS,
		MaxMessageSize: pb.MaxMessageSize,
		DialOptions:    append([]grpc.DialOption{grpc.WithChainUnaryInterceptor(grpcMetrics.UnaryClientInterceptor())}, config.DialOptions...),
	})
	cc, err := connections.Get(config.PrimaryAddress)
	if err != nil {
		reader.Close()
		writer.Close()
		return nil, err
	}

	puller := logreplication.NewPuller(config.Puller,
		logreplication.NewRemoteSource(pb.NewWalLogClient(cc)), writer,
		clock.WallClock, logger, replicationMetrics)

	f := NewFactoryFrom(FactoryDeps{
		Forwarder:         NewRemoteForwarder(pb.NewProxyClient(cc)),
		Local:             reader,
		Puller:            puller,
		Closers:           []io.Closer{connections, reader, writer},
		DisconnectTimeout: config.DisconnectTimeout,
		Logger:            logger,
		Metrics:           routerMetrics,
	})
	puller.Start()
	f.logger.Info("Write-proxy factory ready",
		zap.String("primary", config.PrimaryAddress),
		zap.String("db", config.DBPath),
		zap.Uint64("cursor", cursor))
	return f, nil
}

// NewFactoryFrom builds a factory from existing parts. The puller, if any,
// is started by the caller.
func NewFactoryFrom(deps FactoryDeps) *Factory {
	if deps.DisconnectTimeout <= 0 {
		deps.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = internaltelemetry.NoopRouterMetrics()
	}
	return &Factory{
		forwarder:         deps.Forwarder,
		local:             deps.Local,
		puller:            deps.Puller,
		closers:           deps.Closers,
		disconnectTimeout: deps.DisconnectTimeout,
		logger:            deps.Logger.Named("write_proxy"),
		metrics:           deps.Metrics,
	}
}

// Create mints a new handle with a fresh session id.
func (f *Factory) Create() (*Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	c := &Conn{
		id:                uuid.New(),
		forwarder:         f.forwarder,
		local:             f.local,
		disconnectTimeout: f.disconnectTimeout,
		logger:            f.logger,
		metrics:           f.metrics,
		tracer:            otel.Tracer("walproxy/write_proxy"),
		state:             transaction.StateStart,
	}
	f.metrics.ActiveHandles.Add(context.Background(), 1)
	return c, nil
}

// Puller returns the factory's replication puller, or nil.
func (f *Factory) Puller() *logreplication.Puller {
	return f.puller
}

// Stop signals the puller to exit after its current step.
func (f *Factory) Stop() {
	if f.puller != nil {
		f.puller.Stop()
	}
}

// Wait blocks until the puller has exited and returns its terminal error.
func (f *Factory) Wait() error {
	if f.puller == nil {
		return nil
	}
	return f.puller.Wait()
}

// Close stops and awaits the puller, then releases the transport and the
// local replica. Handles created by the factory must not be used
// afterwards. The puller's terminal error is reported by Wait, not Close.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()

		f.Stop()
		if err := f.Wait(); err != nil {
			f.logger.Warn("Replication puller ended with an error", zap.Error(err))
		}

		var result error
		for _, c := range f.closers {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		f.closeErr = result
		f.logger.Info("Write-proxy factory closed")
	})
	return f.closeErr
}
