// Package keystore stores the daemon's own long-lived secrets (the vault
// sealing key and the second-factor secret) in an OS secret store.
package keystore

import "github.com/pkg/errors"

// Well-known secret names.
const (
	// SealingKeyName holds the 32-byte key that seals private keys in the vault file.
	SealingKeyName = "vault-sealing-key"
	// TOTPSecretName holds the base32 second-factor secret.
	TOTPSecretName = "totp-secret"
)

// ErrSecretNotFound is returned by Get when no secret has the given name.
var ErrSecretNotFound = errors.New("secret not found in keystore")

// Keystore is a named secret store.
type Keystore interface {
	// Get returns a copy of the secret stored under name.
	Get(name string) ([]byte, error)
	// Set stores secret under name, replacing any previous value.
	Set(name string, secret []byte) error
	// ListKeys returns the names of all stored secrets.
	ListKeys() ([]string, error)
}
