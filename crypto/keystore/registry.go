package keystore

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// KeystoreFactory builds a Keystore from the daemon's keystore settings.
type KeystoreFactory func(cfg Config) (Keystore, error)

var (
	registry   = make(map[string]KeystoreFactory)
	registryMu sync.RWMutex
)

// RegisterKeystore makes a backend selectable through keystore.backend in
// keyringd.yaml. Backends in this package register from init; a later
// registration under the same name replaces the earlier one.
func RegisterKeystore(backend string, factory KeystoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[backend] = factory
}

// GetKeystoreFactory returns the factory for backend.
func GetKeystoreFactory(backend string) (KeystoreFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[backend]
	if !ok {
		return nil, errors.Errorf("no keystore factory registered for backend: %s", backend)
	}
	return factory, nil
}

// ListRegisteredBackends lists the backend names config validation accepts.
func ListRegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	backends := make([]string, 0, len(registry))
	for backend := range registry {
		backends = append(backends, backend)
	}
	sort.Strings(backends)
	return backends
}
