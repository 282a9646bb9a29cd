// Package connection manages shared gRPC client connections. Every router
// handle and the replication puller of a replica talk to the primary over
// the same *grpc.ClientConn, which multiplexes their calls.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var ErrManagerClosed = errors.New("connection manager is closed")

// Options configures how connections are dialed.
type Options struct {
	// TLS enables transport security; nil dials in plaintext.
	TLS *tls.Config
	// MaxBackoff bounds the reconnect delay after a transport failure.
	MaxBackoff time.Duration
	// MaxMessageSize raises the per-call send and receive limits above
	// gRPC's 4 MiB default when positive.
	MaxMessageSize int
	// DialOptions are appended after the defaults (interceptors, dialers).
	DialOptions []grpc.DialOption
}

// ConnectionManager hands out one *grpc.ClientConn per remote address.
type ConnectionManager struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	opts   Options
	closed bool
}

// NewConnectionManager creates a new manager for client connections.
func NewConnectionManager(opts Options) *ConnectionManager {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	return &ConnectionManager{
		conns: make(map[string]*grpc.ClientConn),
		opts:  opts,
	}
}

// Get returns the connection for address, creating it on first use. The
// connection is established lazily by gRPC, so Get does not block on the
// network.
func (m *ConnectionManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	cc, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if ok {
		return cc, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	// Double-check after acquiring write lock
	if cc, ok := m.conns[address]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(address, m.dialOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = cc
	return cc, nil
}

func (m *ConnectionManager) dialOptions() []grpc.DialOption {
	creds := insecure.NewCredentials()
	if m.opts.TLS != nil {
		creds = credentials.NewTLS(m.opts.TLS)
	}
	bc := backoff.DefaultConfig
	bc.MaxDelay = m.opts.MaxBackoff
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: bc, MinConnectTimeout: time.Second}),
	}
	if m.opts.MaxMessageSize > 0 {
		opts = append(opts, grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(m.opts.MaxMessageSize),
			grpc.MaxCallSendMsgSize(m.opts.MaxMessageSize),
		))
	}
	return append(opts, m.opts.DialOptions...)
}

// Close shuts down every connection. Further calls to Get fail.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var result error
	for address, cc := range m.conns {
		if err := cc.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", address, err))
		}
	}
	m.conns = make(map[string]*grpc.ClientConn)
	return result
}
