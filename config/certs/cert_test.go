package certs

import (
	"crypto/tls"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratedCertsCompleteMutualHandshake(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateCerts(dir, "localhost"))

	serverConf, err := LoadServerTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	clientConf, err := LoadClientTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile), "localhost")
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	errc := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			errc <- err
			return
		}
		defer conn.Close()
		srv := tls.Server(conn, serverConf)
		err = srv.Handshake()
		if err == nil && len(srv.ConnectionState().PeerCertificates) == 0 {
			err = errors.New("no client certificate")
		}
		errc <- err
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), clientConf)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, <-errc)
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.Error(t, err)
	_, err = LoadClientTLSConfig(filepath.Join(dir, CAFile), filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile), "localhost")
	require.Error(t, err)
}
