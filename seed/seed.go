// Package seed draws fresh entropy and turns it into root extended keys.
package seed

import (
	"crypto/rand"
	"io"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/tyler-smith/go-bip39"

	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/hdkey"
)

// EntropySize is the number of random bytes behind every new root key.
const EntropySize = 32

// Generator creates root keys for one network.
type Generator struct {
	entropy io.Reader
	net     *chaincfg.Params
}

// Option configures a Generator.
type Option func(*Generator)

// WithEntropySource replaces crypto/rand as the entropy source.
func WithEntropySource(r io.Reader) Option {
	return func(g *Generator) { g.entropy = r }
}

// NewGenerator returns a Generator for net reading from crypto/rand.
func NewGenerator(net *chaincfg.Params, opts ...Option) *Generator {
	g := &Generator{entropy: rand.Reader, net: net}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Probe checks that the entropy source can be read.
func (g *Generator) Probe() error {
	var buf [EntropySize]byte
	defer crypto.Zeroize(buf[:])
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		return errors.Wrap(failure.ErrEntropySourceUnavailable, err.Error())
	}
	return nil
}

// CreateSeed draws EntropySize bytes, encodes them as a BIP39 mnemonic and
// returns the BIP32 master key of the resulting seed. The mnemonic is
// returned so the owner can write it down; the daemon never stores it.
func (g *Generator) CreateSeed() (*hdkey.ExtendedKeyPair, string, error) {
	entropy := make([]byte, EntropySize)
	defer crypto.Zeroize(entropy)
	if _, err := io.ReadFull(g.entropy, entropy); err != nil {
		return nil, "", errors.Wrap(failure.ErrEntropySourceUnavailable, err.Error())
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to encode mnemonic")
	}
	key, err := g.FromMnemonic(mnemonic, "")
	if err != nil {
		return nil, "", err
	}
	return key, mnemonic, nil
}

// FromMnemonic restores a master key from a BIP39 mnemonic and optional
// passphrase.
func (g *Generator) FromMnemonic(mnemonic, passphrase string) (*hdkey.ExtendedKeyPair, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "invalid mnemonic")
	}
	defer crypto.Zeroize(seed)
	return g.FromSeed(seed)
}

// FromSeed derives the master key for raw seed bytes.
func (g *Generator) FromSeed(seed []byte) (*hdkey.ExtendedKeyPair, error) {
	master, err := hdkeychain.NewMaster(seed, g.net)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive master key")
	}
	// master's version bytes alias the network parameters, so it is not
	// zeroed in place.
	return hdkey.New(master, nil)
}
