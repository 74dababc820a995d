// Package hdkey models BIP32 extended key pairs and derives child keys from
// them.
//
// An ExtendedKeyPair wraps a btcutil extended key together with the absolute
// path that produced it and its precomputed KeyID. Keys are immutable once
// built; Derive and Neuter always return new values.
package hdkey

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/joncooperworks/keyringd/failure"
)

// SerializedSize is the length of a raw BIP32 serialization (without the
// base58 checksum).
const SerializedSize = 78

// ExtendedKeyPair is a BIP32 node: a public key, a chain code, an optional
// private key and the path from its root.
type ExtendedKeyPair struct {
	key  *hdkeychain.ExtendedKey
	path Path
	id   KeyID
}

// New wraps key. path is the absolute path from the key's root and is
// copied.
func New(key *hdkeychain.ExtendedKey, path Path) (*ExtendedKeyPair, error) {
	if key == nil {
		return nil, errors.New("extended key cannot be nil")
	}
	if len(path) > MaxDepth {
		return nil, errors.Wrap(failure.ErrInvalidDerivationPath, "path too deep")
	}
	owned, err := ownedCopy(key)
	if err != nil {
		return nil, err
	}
	pub, err := owned.ECPubKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute public key")
	}
	return &ExtendedKeyPair{key: owned, path: path.Clone(), id: IDFromPublicKey(pub)}, nil
}

// ownedCopy rebuilds key on freshly allocated buffers. hdkeychain shares
// version and chain code slices between related keys (and with the chaincfg
// tables), so zeroing one key in place could corrupt another.
func ownedCopy(key *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	var material []byte
	if key.IsPrivate() {
		priv, err := key.ECPrivKey()
		if err != nil {
			return nil, errors.Wrap(err, "failed to extract private key")
		}
		material = priv.Serialize()
	} else {
		pub, err := key.ECPubKey()
		if err != nil {
			return nil, errors.Wrap(err, "failed to compute public key")
		}
		material = pub.SerializeCompressed()
	}
	version := append([]byte(nil), key.Version()...)
	parentFP := FingerprintFromUint32(key.ParentFingerprint())
	return hdkeychain.NewExtendedKey(version, material, key.ChainCode(), parentFP[:],
		key.Depth(), key.ChildIndex(), key.IsPrivate()), nil
}

// FromString parses a base58check "xprv"/"xpub" family string.
func FromString(s string, path Path) (*ExtendedKeyPair, error) {
	key, err := hdkeychain.NewKeyFromString(s)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse extended key")
	}
	return New(key, path)
}

// FromSerialized parses a raw 78-byte BIP32 serialization.
func FromSerialized(raw []byte, path Path) (*ExtendedKeyPair, error) {
	if len(raw) != SerializedSize {
		return nil, errors.Errorf("extended key must be %d bytes, got %d", SerializedSize, len(raw))
	}
	return FromString(encodeChecked(raw), path)
}

// ID returns the KeyID of the public half.
func (k *ExtendedKeyPair) ID() KeyID { return k.id }

// Fingerprint returns the key's own BIP32 fingerprint.
func (k *ExtendedKeyPair) Fingerprint() Fingerprint { return k.id.Fingerprint() }

// ParentFingerprint is zero for root keys.
func (k *ExtendedKeyPair) ParentFingerprint() Fingerprint {
	return FingerprintFromUint32(k.key.ParentFingerprint())
}

func (k *ExtendedKeyPair) Depth() uint8 { return k.key.Depth() }

func (k *ExtendedKeyPair) ChildIndex() uint32 { return k.key.ChildIndex() }

func (k *ExtendedKeyPair) ChainCode() []byte { return k.key.ChainCode() }

// Path returns a copy of the absolute derivation path.
func (k *ExtendedKeyPair) Path() Path { return k.path.Clone() }

func (k *ExtendedKeyPair) IsPrivate() bool { return k.key.IsPrivate() }

// IsForNet reports whether the key's version bytes belong to net.
func (k *ExtendedKeyPair) IsForNet(net *chaincfg.Params) bool { return k.key.IsForNet(net) }

func (k *ExtendedKeyPair) PublicKey() (*btcec.PublicKey, error) {
	return k.key.ECPubKey()
}

// PrivateKey returns the signing key. It fails with ErrPrivateKeyRequired
// on a public-only key.
func (k *ExtendedKeyPair) PrivateKey() (*btcec.PrivateKey, error) {
	if !k.key.IsPrivate() {
		return nil, failure.ErrPrivateKeyRequired
	}
	priv, err := k.key.ECPrivKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract private key")
	}
	return priv, nil
}

// Neuter returns the public-only half of k.
func (k *ExtendedKeyPair) Neuter() (*ExtendedKeyPair, error) {
	pub, err := k.key.Neuter()
	if err != nil {
		return nil, errors.Wrap(err, "failed to neuter key")
	}
	return New(pub, k.path)
}

// String returns the base58check serialization (xprv for private keys).
func (k *ExtendedKeyPair) String() string { return k.key.String() }

// Serialize returns the raw 78-byte BIP32 serialization. For private keys
// the result holds the private scalar and the caller must zeroize it.
func (k *ExtendedKeyPair) Serialize() []byte {
	decoded := base58.Decode(k.key.String())
	if len(decoded) != SerializedSize+4 {
		return nil
	}
	return decoded[:SerializedSize]
}

// Zero clears the private material held by k. The key is unusable afterwards.
func (k *ExtendedKeyPair) Zero() {
	if k == nil || k.key == nil {
		return
	}
	k.key.Zero()
}

func encodeChecked(raw []byte) string {
	sum := chainhash.DoubleHashB(raw)
	buf := make([]byte, 0, len(raw)+4)
	buf = append(buf, raw...)
	buf = append(buf, sum[:4]...)
	return base58.Encode(buf)
}
