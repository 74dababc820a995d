package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvListen, "")

	cfg, err := Load(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "127.0.0.1:7420", cfg.Listen)
	assert.Equal(t, filepath.Join(dir, "vault.yaml"), cfg.Vault.File)
	assert.Equal(t, 10*time.Second, cfg.Vault.PersistTimeout)
	assert.Equal(t, 30*time.Second, cfg.Auth.Period)

	net, err := cfg.ChainParams()
	require.NoError(t, err)
	assert.Equal(t, &chaincfg.MainNetParams, net)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /srv/keys
listen: 0.0.0.0:9000
network: regtest
vault:
  file: "{data_dir}/custody/vault.json"
  format: json
  persist_timeout: 3s
keystore:
  backend: memory
auth:
  period: 60s
  skew: 0
log:
  level: debug
  file: "{data_dir}/keyringd.log"
`), 0o600))

	t.Run("file values", func(t *testing.T) {
		t.Setenv(EnvDataDir, "")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
		assert.Equal(t, "/srv/keys/custody/vault.json", cfg.Vault.File)
		assert.Equal(t, "json", cfg.Vault.Format)
		assert.Equal(t, 3*time.Second, cfg.Vault.PersistTimeout)
		assert.Equal(t, "memory", cfg.Keystore.Backend)
		assert.Equal(t, time.Minute, cfg.Auth.Period)
		assert.Equal(t, uint(0), cfg.Auth.Skew)
		assert.Equal(t, uint(20), cfg.Auth.ExpiredLookback, "unset fields keep defaults")
		assert.Equal(t, "/srv/keys/keyringd.log", cfg.Log.File)

		net, err := cfg.ChainParams()
		require.NoError(t, err)
		assert.Equal(t, &chaincfg.RegressionNetParams, net)
	})

	t.Run("environment wins", func(t *testing.T) {
		t.Setenv(EnvDataDir, "/var/lib/keyringd")
		t.Setenv(EnvListen, "127.0.0.1:1")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:1", cfg.Listen)
		assert.Equal(t, "/var/lib/keyringd/custody/vault.json", cfg.Vault.File)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"unknown network", func(c *Config) { c.Network = "dogecoin" }},
		{"bad format", func(c *Config) { c.Vault.Format = "toml" }},
		{"zero timeout", func(c *Config) { c.Vault.PersistTimeout = 0 }},
		{"unknown backend", func(c *Config) { c.Keystore.Backend = "vault" }},
		{"short period", func(c *Config) { c.Auth.Period = time.Millisecond }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)
	cfg := Default()
	cfg.DataDir = dir
	cfg.Network = "signet"
	require.NoError(t, cfg.Write(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	t.Setenv(EnvDataDir, "")
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "signet", loaded.Network)
	assert.Equal(t, filepath.Join(dir, "vault.yaml"), loaded.Vault.File)

	assert.Error(t, cfg.Write(path), "existing config is not replaced")
}

func TestSecretStorePassword(t *testing.T) {
	cfg := Default()
	prompted := false
	prompt := func(string) (string, error) { prompted = true; return "typed", nil }

	t.Run("prompt", func(t *testing.T) {
		t.Setenv(EnvKeystorePassword, "")
		require.NoError(t, os.Unsetenv(EnvKeystorePassword))
		pw, err := cfg.SecretStore(prompt).FilePassword("")
		require.NoError(t, err)
		assert.Equal(t, "typed", pw)
		assert.True(t, prompted)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(EnvKeystorePassword, "from-env")
		pw, err := cfg.SecretStore(prompt).FilePassword("")
		require.NoError(t, err)
		assert.Equal(t, "from-env", pw)
	})
}
