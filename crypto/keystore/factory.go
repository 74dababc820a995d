package keystore

import "github.com/pkg/errors"

// DefaultBackend is used when Config.Backend is empty.
const DefaultBackend = "keyring"

// Config selects and parameterizes a keystore backend.
type Config struct {
	// Backend is a registered backend name ("keyring", "memory").
	Backend string
	// ServiceName scopes the secrets inside the OS secret store.
	ServiceName string
	// AllowedBackends restricts which OS stores the keyring backend may
	// use (secret-service, keychain, kwallet, pass, file, wincred).
	AllowedBackends []string
	// FileDir is where the encrypted-file OS store keeps its files.
	FileDir string
	// FilePassword unlocks the encrypted-file OS store.
	FilePassword func(prompt string) (string, error)
}

// NewKeystore creates the keystore selected by cfg.Backend.
func NewKeystore(cfg Config) (Keystore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = DefaultBackend
	}
	factory, err := GetKeystoreFactory(backend)
	if err != nil {
		return nil, errors.Errorf("unsupported keystore backend: %s", backend)
	}
	return factory(cfg)
}
