// Package signer produces signatures with keys borrowed from the vault.
//
// Every entry point passes the authorization gate before any private key is
// unsealed. Keys are borrowed for one call through the vault's
// WithPrivateKey and never retained.
package signer

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/vault"
)

// KeySource is the part of the vault the signer needs.
type KeySource interface {
	FindByFingerprint(fp hdkey.Fingerprint) []hdkey.KeyID
	Lookup(id hdkey.KeyID) (vault.Record, error)
	WithPrivateKey(id hdkey.KeyID, fn func(key *hdkey.ExtendedKeyPair) error) error
}

// Authorizer checks second-factor codes.
type Authorizer interface {
	Authorize(code uint32) error
}

// Signer signs transactions and arbitrary data.
type Signer struct {
	keys KeySource
	gate Authorizer
	log  zerolog.Logger
}

// New returns a Signer over keys guarded by gate.
func New(keys KeySource, gate Authorizer, log zerolog.Logger) (*Signer, error) {
	if keys == nil {
		return nil, errors.New("key source cannot be nil")
	}
	if gate == nil {
		return nil, errors.New("authorizer cannot be nil")
	}
	return &Signer{keys: keys, gate: gate, log: log}, nil
}

// SignData returns a DER-encoded ECDSA signature over SHA256d(data) made
// with the key id.
func (s *Signer) SignData(ctx context.Context, id hdkey.KeyID, data []byte, code uint32) ([]byte, error) {
	if err := s.gate.Authorize(code); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := chainhash.DoubleHashB(data)
	var sig []byte
	err := s.keys.WithPrivateKey(id, func(key *hdkey.ExtendedKeyPair) error {
		priv, err := key.PrivateKey()
		if err != nil {
			return err
		}
		defer priv.Zero()
		sig = ecdsa.Sign(priv, digest).Serialize()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("key_id", id.String()).Int("bytes", len(data)).Msg("signed data")
	return sig, nil
}
