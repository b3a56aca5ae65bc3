package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/futuresbot/internal/crypto"
)

func TestSeal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "secret.json")

	t.Setenv("FUTBOT_EXCHANGE_SECRET_PASSWORD", "")
	assert.ErrorContains(t, seal([]string{"-out", out}, strings.NewReader("s\n")), "must be set")

	t.Setenv("FUTBOT_EXCHANGE_SECRET_PASSWORD", "pw")
	require.NoError(t, seal([]string{"-out", out}, strings.NewReader("binance-secret\n")))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := crypto.LoadSecret(crypto.SecretConfig{EncryptedPath: out, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "binance-secret", got)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = \"arbitrage\"\n"), 0o600))
	assert.ErrorContains(t, run([]string{"-config", path}), "config validation failed")
}
