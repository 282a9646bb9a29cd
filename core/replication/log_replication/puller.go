// Package logreplication keeps a replica's engine converging toward the
// primary by pulling committed WAL frames and replaying them locally.
package logreplication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"
)

const (
	DefaultInterval  = time.Second
	DefaultMaxFrames = 1024
)

// Batch is one answer from the primary's WAL streamer.
type Batch struct {
	Frames         []wal.Frame
	LastOffset     wal.Offset
	NeedFullResync bool
}

// WalSource serves frames after an offset.
type WalSource interface {
	Pull(ctx context.Context, after wal.Offset, max int) (Batch, error)
}

// Applier is the replica's local engine.
type Applier interface {
	Cursor(ctx context.Context) (wal.Offset, error)
	ApplyFrames(ctx context.Context, frames []wal.Frame) (wal.Offset, error)
}

type PullerConfig struct {
	Interval  time.Duration `yaml:"poll_interval"`
	MaxFrames int           `yaml:"max_frames"`
}

// Status is a snapshot of the puller's progress.
type Status struct {
	Cursor     wal.Offset
	LastOffset wal.Offset
	LastPull   time.Time
	LastError  error
}

// Lag returns how many frames the replica trails the primary, as of the
// last successful pull.
func (s Status) Lag() uint64 {
	if s.LastOffset <= s.Cursor {
		return 0
	}
	return s.LastOffset - s.Cursor
}

// Puller is the replica's supervised replication loop. The owner starts it,
// signals it with Stop and awaits it with Wait.
type Puller struct {
	config  PullerConfig
	source  WalSource
	applier Applier
	clock   clock.Clock
	logger  *zap.Logger
	metrics *internaltelemetry.ReplicationMetrics
	tracer  trace.Tracer
	failLog rate.Sometimes

	mu      sync.Mutex
	status  Status
	started bool

	tomb tomb.Tomb
}

func NewPuller(config PullerConfig, source WalSource, applier Applier, clk clock.Clock, logger *zap.Logger, metrics *internaltelemetry.ReplicationMetrics) *Puller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxFrames <= 0 {
		config.MaxFrames = DefaultMaxFrames
	}
	return &Puller{
		config:  config,
		source:  source,
		applier: applier,
		clock:   clk,
		logger:  logger.Named("puller"),
		metrics: metrics,
		tracer:  otel.Tracer("walproxy/puller"),
		failLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// Start launches the loop. It pulls once immediately, then every interval.
func (p *Puller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.tomb.Go(p.loop)
	p.logger.Info("Replication puller started",
		zap.Duration("interval", p.config.Interval), zap.Int("maxFrames", p.config.MaxFrames))
}

// Stop signals the loop to exit. The step in flight, if any, is cancelled.
func (p *Puller) Stop() {
	p.tomb.Kill(nil)
}

// Wait blocks until the loop has exited and returns its terminal error:
// nil after Stop, or a *dberror.ReplicationError with NeedFullResync set.
func (p *Puller) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	return p.tomb.Wait()
}

// Dead is closed once the loop has exited.
func (p *Puller) Dead() <-chan struct{} {
	return p.tomb.Dead()
}

// Status returns the progress recorded by the last step.
func (p *Puller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Cursor returns the last applied offset known to the puller.
func (p *Puller) Cursor() wal.Offset {
	return p.Status().Cursor
}

func (p *Puller) loop() error {
	for {
		err := p.Step(p.tomb.Context(nil))
		if err != nil {
			select {
			case <-p.tomb.Dying():
				return tomb.ErrDying
			default:
			}
			var re *dberror.ReplicationError
			if errors.As(err, &re) && re.NeedFullResync {
				p.logger.Error("Replica fell behind the primary's retained WAL; incremental replication stopped",
					zap.Uint64("cursor", p.Cursor()))
				return err
			}
			p.metrics.PullFailures.Add(context.Background(), 1)
			p.failLog.Do(func() {
				p.logger.Warn("Replication step failed; retrying", zap.Uint64("cursor", p.Cursor()), zap.Error(err))
			})
		}

		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.clock.After(p.config.Interval):
		}
	}
}

// Step runs one iteration: pull the frames after the persisted cursor and
// apply the complete transactions among them.
func (p *Puller) Step(ctx context.Context) (err error) {
	ctx, span := p.tracer.Start(ctx, "puller.Step")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.mu.Lock()
		p.status.LastError = err
		p.mu.Unlock()
	}()

	cursor, err := p.applier.Cursor(ctx)
	if err != nil {
		return &dberror.ReplicationError{Op: "read cursor", Err: err}
	}
	batch, err := p.source.Pull(ctx, cursor, p.config.MaxFrames)
	if err != nil {
		return &dberror.ReplicationError{Op: "pull", Err: err}
	}
	if batch.NeedFullResync {
		return &dberror.ReplicationError{Op: "pull", NeedFullResync: true}
	}

	frames := completeTransactions(batch.Frames)
	if err := checkContiguous(cursor, frames); err != nil {
		return &dberror.ReplicationError{Op: "verify", Err: err}
	}
	applied := cursor
	if len(frames) > 0 {
		applied, err = p.applier.ApplyFrames(ctx, frames)
		if err != nil {
			return &dberror.ReplicationError{Op: "apply", Err: err}
		}
	}

	span.SetAttributes(attribute.Int64("cursor", int64(applied)), attribute.Int("frames", len(frames)))
	p.record(cursor, applied, batch.LastOffset)
	return nil
}

func (p *Puller) record(before, after, last wal.Offset) {
	if last < after {
		last = after
	}
	p.mu.Lock()
	p.status.Cursor = after
	p.status.LastOffset = last
	p.status.LastPull = p.clock.Now()
	p.mu.Unlock()

	ctx := context.Background()
	if after > before {
		p.metrics.AppliedFrames.Add(ctx, int64(after-before))
		p.logger.Debug("Applied WAL frames", zap.Uint64("from", before+1), zap.Uint64("to", after))
	}
	p.metrics.Cursor.Record(ctx, int64(after))
	p.metrics.Lag.Record(ctx, int64(last-after))
}

// completeTransactions drops a trailing partial transaction.
func completeTransactions(frames []wal.Frame) []wal.Frame {
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Commit {
			return frames[:i+1]
		}
	}
	return nil
}

func checkContiguous(cursor wal.Offset, frames []wal.Frame) error {
	next := cursor + 1
	for _, f := range frames {
		if f.Offset != next {
			return fmt.Errorf("%w: expected offset %d, got %d", dberror.ErrReplicationGap, next, f.Offset)
		}
		next++
	}
	return nil
}
