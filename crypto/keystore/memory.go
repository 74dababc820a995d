package keystore

import (
	"sync"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

func init() {
	RegisterKeystore("memory", NewMemoryKeystore)
}

// MemoryKeystore keeps secrets in process memory. It backs tests and
// throwaway regtest daemons; nothing survives a restart.
type MemoryKeystore struct {
	mu   sync.Mutex
	ring *keyring.ArrayKeyring
}

// NewMemoryKeystore returns an empty in-memory keystore. cfg is ignored.
func NewMemoryKeystore(Config) (Keystore, error) {
	return &MemoryKeystore{ring: keyring.NewArrayKeyring(nil)}, nil
}

func (m *MemoryKeystore) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getItem(m.ring, name)
}

func (m *MemoryKeystore) Set(name string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return setItem(m.ring, name, secret)
}

func (m *MemoryKeystore) ListKeys() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, err := m.ring.Keys()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list keys")
	}
	return keys, nil
}
