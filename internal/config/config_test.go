package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": "configVersion: 1\n",
	})

	cfg, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:4433", cfg.Server.Listen)
	require.Equal(t, "127.0.0.1:8000", cfg.Upstream.Addr)
	require.Equal(t, 50, cfg.Limiter.Burst)
	require.Equal(t, 5*time.Second, cfg.Limits.HeaderTimeout.Std())
	require.Equal(t, 30*time.Second, cfg.Limits.RequestTimeout.Std())
}

func TestLoadOverrides(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": `configVersion: 1
server:
  listen: 127.0.0.1:8443
upstream:
  addr: 127.0.0.1:9000
  connectTimeout: 2s
limiter:
  rate: 10
  burst: 20
limits:
  headerTimeout: 3s
`,
	})

	cfg, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8443", cfg.Server.Listen)
	require.Equal(t, "127.0.0.1:9000", cfg.Upstream.Addr)
	require.Equal(t, 2*time.Second, cfg.Upstream.ConnectTimeout.Std())
	require.Equal(t, float64(10), cfg.Limiter.Rate)
	require.Equal(t, 3*time.Second, cfg.Limits.HeaderTimeout.Std())
	// Untouched sections keep their defaults.
	require.Equal(t, 30*time.Second, cfg.Limits.RequestTimeout.Std())
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": "configVersion: 1\nlimits:\n  headerTimeout: soon\n",
	})

	_, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": "configVersion: 1\n",
		"cert.pem":      "not really a cert",
		"key.pem":       "not really a key",
	})

	cfg, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
}

func TestValidateAccumulatesProblems(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": `configVersion: 2
server:
  listen: ""
limiter:
  rate: -1
`,
	})

	cfg, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.NoError(t, err)

	err = cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.GreaterOrEqual(t, len(verr.Problems), 3)
}

func TestValidateMissingCert(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"oblivion.yaml": "configVersion: 1\n",
		"key.pem":       "key",
	})

	cfg, err := Load(filepath.Join(dir, "oblivion.yaml"))
	require.NoError(t, err)

	err = cfg.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
