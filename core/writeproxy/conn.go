// Package writeproxy routes a logical connection's statements: reads outside
// a transaction run on the local replica, everything else is forwarded to
// the primary under the connection's session id.
package writeproxy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	"github.com/sushant-115/walproxy/core/transaction"
	internaltelemetry "github.com/sushant-115/walproxy/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Statement is one entry of a batch.
type Statement struct {
	SQL    string
	Params []any
}

// Conn is one logical connection handle. It is safe for concurrent use, but
// its statements are strictly ordered as on one physical connection.
type Conn struct {
	id                uuid.UUID
	forwarder         Forwarder
	local             LocalExecutor
	disconnectTimeout time.Duration
	logger            *zap.Logger
	metrics           *internaltelemetry.RouterMetrics
	tracer            trace.Tracer

	mu     sync.Mutex
	state  transaction.ConnectionState
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// SessionID returns the id correlating this handle's forwarded statements.
func (c *Conn) SessionID() uuid.UUID { return c.id }

// State returns the handle's view of its transaction on the primary.
func (c *Conn) State() transaction.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs one statement. A forward whose outcome is unknown leaves the
// handle desynchronized: every later statement fails with a
// *dberror.StateError until the handle is replaced.
func (c *Conn) Execute(ctx context.Context, sqlText string, params ...any) (*query.Result, error) {
	st := query.Classify(sqlText)
	ctx, span := c.tracer.Start(ctx, "writeproxy.Execute", trace.WithAttributes(
		attribute.String("session", c.id.String()),
		attribute.String("kind", st.Kind.String()),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.executeLocked(ctx, st, params)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("state", c.state.String()))
	return res, err
}

func (c *Conn) executeLocked(ctx context.Context, st query.Statement, params []any) (*query.Result, error) {
	if c.closed {
		return nil, dberror.ErrClosed
	}
	if c.state == transaction.StateDesynchronized {
		return nil, &dberror.StateError{State: c.state.String()}
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}

	if transaction.Decide(c.state, st.Kind) == transaction.LocalOnly {
		c.metrics.LocalStatements.Add(ctx, 1)
		return c.local.Query(ctx, st.SQL, params)
	}

	c.metrics.ForwardedStatements.Add(ctx, 1)
	res, err := c.forwarder.Forward(ctx, st.SQL, params, c.id, c.state == transaction.StateInTransaction)
	if err == nil {
		c.state = transaction.Advance(c.state, st.Kind)
		return res, nil
	}

	if se, ok := dberror.AsStatementError(err); ok {
		// The primary no longer holds this session's transaction.
		if se.Code == dberror.CodeSessionExpired {
			c.desynchronize(ctx, err)
		}
		return nil, err
	}
	c.desynchronize(ctx, err)
	if !dberror.IsConnectionError(err) {
		err = &dberror.ConnectionError{Op: "forward", Err: err}
	}
	return nil, err
}

func (c *Conn) desynchronize(ctx context.Context, cause error) {
	prev := c.state
	c.state = transaction.Desynchronize(prev)
	c.metrics.Desynchronized.Add(ctx, 1)
	c.logger.Warn("Connection desynchronized from the primary",
		zap.Stringer("session", c.id), zap.Stringer("previous", prev), zap.Error(cause))
}

// ExecuteBatch runs statements in order and stops at the first failure. It
// returns the results of the statements that succeeded.
func (c *Conn) ExecuteBatch(ctx context.Context, stmts []Statement) ([]*query.Result, error) {
	results := make([]*query.Result, 0, len(stmts))
	for _, s := range stmts {
		res, err := c.Execute(ctx, s.SQL, s.Params...)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Close tells the primary to release the session. The notification is sent
// once, bounded by the disconnect timeout; its failure is logged and
// returned but the handle is closed regardless, since the primary reclaims
// idle sessions on its own.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		state := c.state
		c.mu.Unlock()
		c.metrics.ActiveHandles.Add(ctx, -1)

		ctx, cancel := context.WithTimeout(ctx, c.disconnectTimeout)
		defer cancel()
		if err := c.forwarder.Disconnect(ctx, c.id); err != nil {
			c.closeErr = err
			c.logger.Debug("Disconnect not delivered; primary will reap the session",
				zap.Stringer("session", c.id), zap.Stringer("state", state), zap.Error(err))
		}
	})
	return c.closeErr
}
