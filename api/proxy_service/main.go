package proxyservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/sushant-115/walproxy/api/proto"
	"github.com/sushant-115/walproxy/core/dberror"
	"github.com/sushant-115/walproxy/core/query"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sessions is the part of the session table the service drives.
type Sessions interface {
	Execute(ctx context.Context, id uuid.UUID, sqlText string, params []any, expectTx bool) (*query.Result, error)
	Disconnect(id uuid.UUID)
}

// ProxyServer implements the Proxy gRPC service on the primary.
type ProxyServer struct {
	Sessions Sessions
	Logger   *zap.Logger
	// MaxResponseBytes is the largest response the caller can receive.
	MaxResponseBytes int
	tracer           trace.Tracer
}

// NewProxyServer creates a new ProxyServer.
func NewProxyServer(sessions Sessions, logger *zap.Logger) *ProxyServer {
	return &ProxyServer{
		Sessions:         sessions,
		Logger:           logger.Named("proxy_service"),
		MaxResponseBytes: pb.MaxMessageSize,
		tracer:           otel.Tracer("walproxy/proxy_service"),
	}
}

// Query executes one forwarded statement in the caller's session. SQL
// failures are reported in the response; only a malformed request is a
// gRPC error.
func (s *ProxyServer) Query(ctx context.Context, req *pb.QueryRequest) (*pb.QueryResponse, error) {
	id, err := pb.ParseSessionID(req.SessionID)
	if err != nil {
		s.Logger.Warn("Query rejected: bad session id", zap.Int("len", len(req.SessionID)))
		return nil, status.Error(grpccodes.InvalidArgument, err.Error())
	}

	ctx, span := s.tracer.Start(ctx, "proxy.Query", trace.WithAttributes(
		attribute.String("session", id.String()),
		attribute.Bool("expect_tx", req.ExpectTx),
	))
	defer span.End()

	s.Logger.Debug("Query request received", zap.Stringer("session", id), zap.Bool("expectTx", req.ExpectTx))
	res, err := s.Sessions.Execute(ctx, id, req.Statement, req.Params, req.ExpectTx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, dberror.ErrSessionTableClosed) {
			return nil, status.Error(grpccodes.Unavailable, err.Error())
		}
		if se, ok := dberror.AsStatementError(err); ok {
			if se.Code == dberror.CodeInternal {
				s.Logger.Error("Query failed on the primary", zap.Stringer("session", id), zap.String("message", se.Message))
			}
			return &pb.QueryResponse{Error: &pb.QueryError{Code: se.Code, Message: se.Message}}, nil
		}
		s.Logger.Error("Query failed", zap.Stringer("session", id), zap.Error(err))
		return &pb.QueryResponse{Error: &pb.QueryError{Code: dberror.CodeInternal, Message: err.Error()}}, nil
	}

	resp := &pb.QueryResponse{Result: res}
	// An oversized reply would fail in the caller's transport, where the
	// outcome looks unknown. Report it as a statement failure instead.
	if s.MaxResponseBytes > 0 && res != nil && len(res.Rows) > 0 {
		data, err := pb.Codec{}.Marshal(resp)
		if err != nil {
			return nil, status.Error(grpccodes.Internal, err.Error())
		}
		if len(data) > s.MaxResponseBytes {
			msg := fmt.Sprintf("result of %d bytes exceeds the %d byte message limit", len(data), s.MaxResponseBytes)
			s.Logger.Warn("Query result too large", zap.Stringer("session", id), zap.Int("bytes", len(data)), zap.Int("rows", len(res.Rows)))
			span.SetStatus(codes.Error, msg)
			return &pb.QueryResponse{Error: &pb.QueryError{Code: dberror.CodeSQLError, Message: msg}}, nil
		}
	}
	return resp, nil
}

// Disconnect releases a session. Unknown sessions are not an error.
func (s *ProxyServer) Disconnect(ctx context.Context, req *pb.DisconnectRequest) (*pb.DisconnectResponse, error) {
	id, err := pb.ParseSessionID(req.SessionID)
	if err != nil {
		return nil, status.Error(grpccodes.InvalidArgument, err.Error())
	}
	s.Sessions.Disconnect(id)
	s.Logger.Debug("Session released", zap.Stringer("session", id))
	return &pb.DisconnectResponse{}, nil
}
