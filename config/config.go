// Package config loads keyringd configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/joncooperworks/keyringd/crypto/keystore"
	"github.com/joncooperworks/keyringd/vault"
)

// FileName is the configuration file name inside the data directory.
const FileName = "keyringd.yaml"

// DataDirPlaceholder is replaced by DataDir in path fields.
const DataDirPlaceholder = "{data_dir}"

// Environment overrides.
const (
	EnvDataDir          = "KEYRINGD_DATA_DIR"
	EnvListen           = "KEYRINGD_LISTEN"
	EnvKeystoreBackend  = "KEYRINGD_KEYSTORE_BACKEND"
	EnvKeystorePassword = "KEYRINGD_KEYSTORE_PASSWORD"
)

// Config is the daemon configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Listen   string         `yaml:"listen"`
	Network  string         `yaml:"network"`
	Vault    VaultConfig    `yaml:"vault"`
	Keystore KeystoreConfig `yaml:"keystore"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// VaultConfig locates the key store file.
type VaultConfig struct {
	File           string        `yaml:"file"`
	Format         string        `yaml:"format"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// KeystoreConfig selects where daemon secrets live.
type KeystoreConfig struct {
	Backend         string   `yaml:"backend"`
	ServiceName     string   `yaml:"service_name"`
	AllowedBackends []string `yaml:"allowed_backends,omitempty"`
	FileDir         string   `yaml:"file_dir,omitempty"`
}

// AuthConfig tunes the one-time code check.
type AuthConfig struct {
	Period          time.Duration `yaml:"period"`
	Skew            uint          `yaml:"skew"`
	ExpiredLookback uint          `yaml:"expired_lookback"`
}

// LogConfig controls daemon logging. An empty File logs to stderr.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// DefaultDataDir returns ~/.keyringd, or ./.keyringd without a home
// directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyringd"
	}
	return filepath.Join(home, ".keyringd")
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Listen:  "127.0.0.1:7420",
		Network: chaincfg.MainNetParams.Name,
		Vault: VaultConfig{
			File:           filepath.Join(DataDirPlaceholder, "vault.yaml"),
			Format:         string(vault.FormatYAML),
			PersistTimeout: 10 * time.Second,
		},
		Keystore: KeystoreConfig{
			Backend:     keystore.DefaultBackend,
			ServiceName: "keyringd",
		},
		Auth: AuthConfig{
			Period:          30 * time.Second,
			Skew:            1,
			ExpiredLookback: 20,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// Load reads path over the defaults, applies environment overrides,
// expands placeholders and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", path)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the configuration path for dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvListen); ok && v != "" {
		c.Listen = v
	}
	if v, ok := lookup(EnvKeystoreBackend); ok && v != "" {
		c.Keystore.Backend = v
	}
}

func (c *Config) expand() {
	c.Vault.File = c.ExpandPath(c.Vault.File)
	c.Keystore.FileDir = c.ExpandPath(c.Keystore.FileDir)
	c.Log.File = c.ExpandPath(c.Log.File)
}

// ExpandPath substitutes the data directory placeholder in p.
func (c *Config) ExpandPath(p string) string {
	if p == "" {
		return p
	}
	return filepath.Clean(strings.ReplaceAll(p, DataDirPlaceholder, c.DataDir))
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	if c.Listen == "" {
		return errors.New("listen cannot be empty")
	}
	if _, err := c.ChainParams(); err != nil {
		return err
	}
	if c.Vault.File == "" {
		return errors.New("vault.file cannot be empty")
	}
	if _, err := vault.ParseFormat(c.Vault.Format); err != nil {
		return err
	}
	if c.Vault.PersistTimeout <= 0 {
		return errors.New("vault.persist_timeout must be positive")
	}
	if !slices.Contains(keystore.ListRegisteredBackends(), c.Keystore.Backend) {
		return errors.Errorf("keystore.backend %q is not one of %v", c.Keystore.Backend, keystore.ListRegisteredBackends())
	}
	if c.Auth.Period < time.Second {
		return errors.New("auth.period must be at least 1s")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, "log.level %q", c.Log.Level)
	}
	return nil
}

// ChainParams resolves Network to btcd chain parameters.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	for _, p := range []*chaincfg.Params{
		&chaincfg.MainNetParams,
		&chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams,
		&chaincfg.SigNetParams,
	} {
		if p.Name == c.Network {
			return p, nil
		}
	}
	if c.Network == "testnet" {
		return &chaincfg.TestNet3Params, nil
	}
	return nil, errors.Errorf("unknown network %q", c.Network)
}

// SecretStore builds the secret keystore configuration. The file backend
// password comes from KEYRINGD_KEYSTORE_PASSWORD when set, otherwise from
// prompt.
func (c *Config) SecretStore(prompt func(string) (string, error)) keystore.Config {
	password := prompt
	if v, ok := os.LookupEnv(EnvKeystorePassword); ok {
		password = func(string) (string, error) { return v, nil }
	}
	return keystore.Config{
		Backend:         c.Keystore.Backend,
		ServiceName:     c.Keystore.ServiceName,
		AllowedBackends: c.Keystore.AllowedBackends,
		FileDir:         c.Keystore.FileDir,
		FilePassword:    password,
	}
}

// Write stores cfg as YAML at path, creating the directory with owner-only
// permissions. Existing files are not replaced.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}
