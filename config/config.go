// Package config loads the YAML configuration shared by the walproxy
// binaries.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sushant-115/walproxy/config/certs"
	logreplication "github.com/sushant-115/walproxy/core/replication/log_replication"
	"github.com/sushant-115/walproxy/core/session"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
	"github.com/sushant-115/walproxy/pkg/logger"
	"github.com/sushant-115/walproxy/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Config is the root of the configuration file.
type Config struct {
	Role      Role             `yaml:"role"`
	Primary   PrimaryConfig    `yaml:"primary"`
	Replica   ReplicaConfig    `yaml:"replica"`
	TLS       TLSConfig        `yaml:"tls"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type PrimaryConfig struct {
	// ListenAddress serves the Proxy and WalLog gRPC services.
	ListenAddress string `yaml:"listen_address"`
	DBPath        string `yaml:"db_path"`

	// WALDir defaults to "<db_path>.wal".
	WALDir string        `yaml:"wal_dir"`
	WAL    wal.LogConfig `yaml:"wal"`

	Session          session.Config `yaml:"session"`
	MaxFramesPerPull int            `yaml:"max_frames_per_pull"`
	BusyTimeout      time.Duration  `yaml:"busy_timeout"`
	ShutdownTimeout  time.Duration  `yaml:"shutdown_timeout"`
}

type ReplicaConfig struct {
	PrimaryAddress    string                      `yaml:"primary_address"`
	DBPath            string                      `yaml:"db_path"`
	HTTPAddress       string                      `yaml:"http_address"`
	Puller            logreplication.PullerConfig `yaml:"puller"`
	DisconnectTimeout time.Duration               `yaml:"disconnect_timeout"`
	BusyTimeout       time.Duration               `yaml:"busy_timeout"`
	ShutdownTimeout   time.Duration               `yaml:"shutdown_timeout"`
}

// TLSConfig enables mutual TLS on the replica-primary channel.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CAFile   string `yaml:"ca_file"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// ServerName is checked against the primary's certificate.
	ServerName string `yaml:"server_name"`
}

// Default returns a configuration with every tunable set.
func Default() Config {
	return Config{
		Role: RolePrimary,
		Primary: PrimaryConfig{
			ListenAddress: ":7400",
			WAL: wal.LogConfig{
				SegmentSize:   wal.DefaultSegmentSize,
				RetainFrames:  wal.DefaultRetainFrames,
				MaxBatchBytes: wal.DefaultMaxBatchBytes,
			},
			Session: session.Config{
				IdleTimeout:  session.DefaultIdleTimeout,
				ReapInterval: session.DefaultReapInterval,
			},
			MaxFramesPerPull: 1024,
			BusyTimeout:      5 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Replica: ReplicaConfig{
			HTTPAddress: ":8080",
			Puller: logreplication.PullerConfig{
				Interval:  logreplication.DefaultInterval,
				MaxFrames: logreplication.DefaultMaxFrames,
			},
			DisconnectTimeout: 2 * time.Second,
			BusyTimeout:       5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "walproxy",
			PrometheusPort:   9464,
			TraceSampleRatio: 0.01,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// WALDirOrDefault returns the configured WAL directory or its default.
func (c PrimaryConfig) WALDirOrDefault() string {
	if c.WALDir != "" {
		return c.WALDir
	}
	return filepath.Clean(c.DBPath) + ".wal"
}

// Validate checks the sections used by the configured role.
func (c Config) Validate() error {
	var result error
	switch c.Role {
	case RolePrimary:
		if c.Primary.ListenAddress == "" {
			result = multierror.Append(result, errors.New("primary.listen_address is required"))
		}
		if c.Primary.DBPath == "" {
			result = multierror.Append(result, errors.New("primary.db_path is required"))
		}
		if c.Primary.Session.IdleTimeout <= 0 || c.Primary.Session.ReapInterval <= 0 {
			result = multierror.Append(result, errors.New("primary.session intervals must be positive"))
		}
		if c.Primary.MaxFramesPerPull <= 0 {
			result = multierror.Append(result, errors.New("primary.max_frames_per_pull must be positive"))
		}
	case RoleReplica:
		if c.Replica.PrimaryAddress == "" {
			result = multierror.Append(result, errors.New("replica.primary_address is required"))
		}
		if c.Replica.DBPath == "" {
			result = multierror.Append(result, errors.New("replica.db_path is required"))
		}
		if c.Replica.Puller.Interval <= 0 {
			result = multierror.Append(result, errors.New("replica.puller.poll_interval must be positive"))
		}
		if c.Replica.Puller.MaxFrames <= 0 {
			result = multierror.Append(result, errors.New("replica.puller.max_frames must be positive"))
		}
		if c.Replica.DisconnectTimeout <= 0 {
			result = multierror.Append(result, errors.New("replica.disconnect_timeout must be positive"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.TLS.Enabled && (c.TLS.CAFile == "" || c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		result = multierror.Append(result, errors.New("tls.ca_file, tls.cert_file and tls.key_file are required when tls is enabled"))
	}
	return result
}

// ServerTLS returns the primary's TLS config, or nil when TLS is disabled.
func (t TLSConfig) ServerTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	return certs.LoadServerTLSConfig(t.CAFile, t.CertFile, t.KeyFile)
}

// ClientTLS returns the replica's TLS config, or nil when TLS is disabled.
func (t TLSConfig) ClientTLS() (*tls.Config, error) {
	if !t.Enabled {
		return nil, nil
	}
	return certs.LoadClientTLSConfig(t.CAFile, t.CertFile, t.KeyFile, t.ServerName)
}
