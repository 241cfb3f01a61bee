package api

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/jobwatch/internal/monitor"
)

func TestServeTLS(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "api.crt")
	keyFile := filepath.Join(dir, "api.key")
	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "jobwatch", "10.0.0.5", "head-node"))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	tlsCfg, err := LoadTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)

	s := NewServer(Config{Listen: "127.0.0.1:0", TLS: tlsCfg}, newFakeMonitor())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh, err := s.ListenAndServe(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		s.Shutdown(shutdownCtx)
		<-errCh
	})

	pem, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pem))
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}

	resp, err := client.Get("https://" + s.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got monitor.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "run-1", got.RunID)
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "api.crt")
	keyFile := filepath.Join(dir, "api.key")

	_, err := LoadTLSConfig(certFile, keyFile, "")
	assert.ErrorContains(t, err, "key pair")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "jobwatch"))

	_, err = LoadTLSConfig(certFile, keyFile, filepath.Join(dir, "missing-ca.pem"))
	assert.ErrorContains(t, err, "CA certificate")

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0644))
	_, err = LoadTLSConfig(certFile, keyFile, garbage)
	assert.ErrorContains(t, err, "parse CA")

	cfg, err := LoadTLSConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
}
