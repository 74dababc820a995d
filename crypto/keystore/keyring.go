package keystore

import (
	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

func init() {
	RegisterKeystore("keyring", NewKeyringKeystore)
}

// KeyringKeystore implements Keystore on top of the OS secret stores
// supported by 99designs/keyring.
type KeyringKeystore struct {
	ring keyring.Keyring
}

// NewKeyringKeystore opens the OS secret store described by cfg.
func NewKeyringKeystore(cfg Config) (Keystore, error) {
	service := cfg.ServiceName
	if service == "" {
		service = "keyringd"
	}
	allowed := make([]keyring.BackendType, 0, len(cfg.AllowedBackends))
	for _, b := range cfg.AllowedBackends {
		allowed = append(allowed, keyring.BackendType(b))
	}

	kc := keyring.Config{
		ServiceName:              service,
		AllowedBackends:          allowed,
		KeychainName:             service,
		KeychainTrustApplication: true,
		LibSecretCollectionName:  service,
		KWalletAppID:             service,
		KWalletFolder:            service,
		PassPrefix:               service,
		FileDir:                  cfg.FileDir,
	}
	if cfg.FilePassword != nil {
		kc.FilePasswordFunc = keyring.PromptFunc(cfg.FilePassword)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open keyring")
	}
	return &KeyringKeystore{ring: ring}, nil
}

// Get retrieves a secret from the OS store.
func (k *KeyringKeystore) Get(name string) ([]byte, error) {
	return getItem(k.ring, name)
}

// Set stores a secret in the OS store.
func (k *KeyringKeystore) Set(name string, secret []byte) error {
	return setItem(k.ring, name, secret)
}

// ListKeys returns the names of all secrets in the OS store.
func (k *KeyringKeystore) ListKeys() ([]string, error) {
	keys, err := k.ring.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys from keyring")
	}
	return keys, nil
}

func getItem(ring keyring.Keyring, name string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("secret name cannot be empty")
	}
	item, err := ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, errors.Wrap(ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get secret from keyring")
	}
	return append([]byte(nil), item.Data...), nil
}

func setItem(ring keyring.Keyring, name string, secret []byte) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	if len(secret) == 0 {
		return errors.New("secret cannot be empty")
	}
	err := ring.Set(keyring.Item{
		Key:         name,
		Data:        append([]byte(nil), secret...),
		Label:       name,
		Description: "keyringd secret",
	})
	if err != nil {
		return errors.Wrap(err, "failed to store secret in keyring")
	}
	return nil
}
