package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// GrpcMetrics holds the metric instruments for one side (server or client)
// of the gRPC channel between replicas and the primary.
type GrpcMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewGrpcMetrics creates and registers the gRPC instruments. side is
// "server" or "client".
func NewGrpcMetrics(meter metric.Meter, side string) (*GrpcMetrics, error) {
	prefix := "walproxy.grpc." + side + "."

	rpcsStartedCounter, err := meter.Int64Counter(
		prefix+"started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		prefix+"handled_total",
		metric.WithDescription("Total number of RPCs completed, by status code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		prefix+"duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		prefix+"active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &GrpcMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

func (m *GrpcMetrics) observe(ctx context.Context, method string, call func() error) error {
	methodAttr := attribute.String("rpc.method", method)
	attrs := metric.WithAttributes(methodAttr)

	m.RpcsStartedCounter.Add(ctx, 1, attrs)
	m.ActiveRpcsUpDownCounter.Add(ctx, 1, attrs)
	start := time.Now()

	err := call()

	m.ActiveRpcsUpDownCounter.Add(ctx, -1, attrs)
	m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
	m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(
		methodAttr,
		attribute.String("rpc.grpc.status_code", status.Code(err).String()),
	))
	return err
}

// UnaryServerInterceptor records every unary call handled by the server.
func (m *GrpcMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var resp any
		err := m.observe(ctx, info.FullMethod, func() error {
			var herr error
			resp, herr = handler(ctx, req)
			return herr
		})
		return resp, err
	}
}

// UnaryClientInterceptor records every unary call made by the client.
func (m *GrpcMetrics) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return m.observe(ctx, method, func() error {
			return invoker(ctx, method, req, reply, cc, opts...)
		})
	}
}
