package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// RouterMetrics counts routing decisions made by write-proxy handles.
type RouterMetrics struct {
	LocalStatements     metric.Int64Counter
	ForwardedStatements metric.Int64Counter
	Desynchronized      metric.Int64Counter
	ActiveHandles       metric.Int64UpDownCounter
}

func NewRouterMetrics(meter metric.Meter) (*RouterMetrics, error) {
	local, err := meter.Int64Counter("walproxy.router.local_statements_total",
		metric.WithDescription("Statements served by the local replica."))
	if err != nil {
		return nil, err
	}
	forwarded, err := meter.Int64Counter("walproxy.router.forwarded_statements_total",
		metric.WithDescription("Statements forwarded to the primary."))
	if err != nil {
		return nil, err
	}
	desync, err := meter.Int64Counter("walproxy.router.desynchronized_total",
		metric.WithDescription("Handles that entered the desynchronized state."))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("walproxy.router.active_handles",
		metric.WithDescription("Open write-proxy handles."))
	if err != nil {
		return nil, err
	}
	return &RouterMetrics{
		LocalStatements:     local,
		ForwardedStatements: forwarded,
		Desynchronized:      desync,
		ActiveHandles:       active,
	}, nil
}

// NoopRouterMetrics returns router metrics that record nothing.
func NoopRouterMetrics() *RouterMetrics {
	return &RouterMetrics{
		LocalStatements:     noop.Int64Counter{},
		ForwardedStatements: noop.Int64Counter{},
		Desynchronized:      noop.Int64Counter{},
		ActiveHandles:       noop.Int64UpDownCounter{},
	}
}

// ReplicationMetrics describes a replica's progress. Lag is the staleness
// signal: the primary's last offset minus the local cursor.
type ReplicationMetrics struct {
	AppliedFrames metric.Int64Counter
	PullFailures  metric.Int64Counter
	Cursor        metric.Int64Gauge
	Lag           metric.Int64Gauge
}

func NewReplicationMetrics(meter metric.Meter) (*ReplicationMetrics, error) {
	applied, err := meter.Int64Counter("walproxy.replication.applied_frames_total",
		metric.WithDescription("WAL frames applied to the local replica."))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("walproxy.replication.pull_failures_total",
		metric.WithDescription("Failed puller iterations."))
	if err != nil {
		return nil, err
	}
	cursor, err := meter.Int64Gauge("walproxy.replication.cursor",
		metric.WithDescription("Offset of the last applied frame."))
	if err != nil {
		return nil, err
	}
	lag, err := meter.Int64Gauge("walproxy.replication.lag_frames",
		metric.WithDescription("Frames the replica is behind the primary."))
	if err != nil {
		return nil, err
	}
	return &ReplicationMetrics{AppliedFrames: applied, PullFailures: failures, Cursor: cursor, Lag: lag}, nil
}

// SessionMetrics describes the primary's session table.
type SessionMetrics struct {
	LiveSessions    metric.Int64UpDownCounter
	ReapedSessions  metric.Int64Counter
	CommittedFrames metric.Int64Counter
}

func NewSessionMetrics(meter metric.Meter) (*SessionMetrics, error) {
	live, err := meter.Int64UpDownCounter("walproxy.sessions.live",
		metric.WithDescription("Sessions with a live engine connection."))
	if err != nil {
		return nil, err
	}
	reaped, err := meter.Int64Counter("walproxy.sessions.reaped_total",
		metric.WithDescription("Sessions reclaimed after the idle timeout."))
	if err != nil {
		return nil, err
	}
	committed, err := meter.Int64Counter("walproxy.wal.appended_frames_total",
		metric.WithDescription("Frames appended to the WAL by committed writes."))
	if err != nil {
		return nil, err
	}
	return &SessionMetrics{LiveSessions: live, ReapedSessions: reaped, CommittedFrames: committed}, nil
}

// NoopMeter returns a meter whose instruments record nothing.
func NoopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("")
}
