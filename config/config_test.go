package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/walproxy/config/certs"
	"github.com/sushant-115/walproxy/core/write_engine/wal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadReplicaOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
role: replica
replica:
  primary_address: primary.internal:7400
  db_path: /var/lib/walproxy/replica.db
  puller:
    poll_interval: 250ms
logger:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, RoleReplica, cfg.Role)
	require.Equal(t, "primary.internal:7400", cfg.Replica.PrimaryAddress)
	require.Equal(t, 250*time.Millisecond, cfg.Replica.Puller.Interval)
	require.Equal(t, 1024, cfg.Replica.Puller.MaxFrames, "unset keys keep their defaults")
	require.Equal(t, 2*time.Second, cfg.Replica.DisconnectTimeout)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "stdout", cfg.Logger.OutputFile)
}

func TestLoadPrimary(t *testing.T) {
	path := writeConfig(t, `
role: primary
primary:
  listen_address: 127.0.0.1:7400
  db_path: /data/primary.db
  session:
    idle_timeout: 1m
  wal:
    retain_frames: 500
    max_batch_bytes: 1048576
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, time.Minute, cfg.Primary.Session.IdleTimeout)
	require.Equal(t, 30*time.Second, cfg.Primary.Session.ReapInterval)
	require.Equal(t, 500, cfg.Primary.WAL.RetainFrames)
	require.Equal(t, int64(1<<20), cfg.Primary.WAL.MaxBatchBytes)
	require.Equal(t, wal.DefaultSegmentSize, cfg.Primary.WAL.SegmentSize)
	require.Equal(t, "/data/primary.db.wal", cfg.Primary.WALDirOrDefault())
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "replica: [not, a, map]"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "replica:\n  puller:\n    poll_interval: soon\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errs   []string
	}{
		{"primary missing db", func(c *Config) { c.Primary.DBPath = "" }, []string{"primary.db_path"}},
		{"replica missing everything", func(c *Config) {
			c.Role = RoleReplica
			c.Replica.Puller.Interval = 0
		}, []string{"replica.primary_address", "replica.db_path", "poll_interval"}},
		{"unknown role", func(c *Config) { c.Role = "witness" }, []string{"unknown role"}},
		{"tls without files", func(c *Config) { c.TLS.Enabled = true }, []string{"tls.ca_file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Primary.DBPath = "/data/primary.db"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			for _, want := range tt.errs {
				require.ErrorContains(t, err, want)
			}
		})
	}
}

func TestTLSConfig(t *testing.T) {
	disabled := TLSConfig{}
	server, err := disabled.ServerTLS()
	require.NoError(t, err)
	require.Nil(t, server)

	dir := t.TempDir()
	require.NoError(t, certs.GenerateCerts(dir, "localhost"))
	enabled := TLSConfig{
		Enabled:    true,
		CAFile:     filepath.Join(dir, certs.CAFile),
		CertFile:   filepath.Join(dir, certs.ClientCertFile),
		KeyFile:    filepath.Join(dir, certs.ClientKeyFile),
		ServerName: "localhost",
	}
	client, err := enabled.ClientTLS()
	require.NoError(t, err)
	require.Equal(t, "localhost", client.ServerName)
}
