package hdkey

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/pkg/errors"
)

// KeyIDSize is the length of a KeyID in bytes.
const KeyIDSize = 20

// KeyID is the HASH160 of a compressed public key. It is the external handle
// for every stored key.
type KeyID [KeyIDSize]byte

// Fingerprint is the first four bytes of a KeyID, as used in BIP32
// serializations and PSBT derivation records.
type Fingerprint [4]byte

// IDFromPublicKey computes the KeyID of pub.
func IDFromPublicKey(pub *btcec.PublicKey) KeyID {
	var id KeyID
	copy(id[:], btcutil.Hash160(pub.SerializeCompressed()))
	return id
}

// ParseKeyID parses a 40-character hex KeyID.
func ParseKeyID(s string) (KeyID, error) {
	var id KeyID
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return id, errors.Wrap(err, "failed to decode key id")
	}
	if len(raw) != KeyIDSize {
		return id, errors.Errorf("key id must be %d bytes, got %d", KeyIDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id KeyID) String() string {
	return hex.EncodeToString(id[:])
}

// Fingerprint returns the BIP32 fingerprint of the key.
func (id KeyID) Fingerprint() Fingerprint {
	var fp Fingerprint
	copy(fp[:], id[:4])
	return fp
}

// IsZero reports whether id is the zero value.
func (id KeyID) IsZero() bool {
	return id == KeyID{}
}

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// Uint32 returns the fingerprint in the big-endian form BIP32 serializes.
func (fp Fingerprint) Uint32() uint32 {
	return binary.BigEndian.Uint32(fp[:])
}

// FingerprintFromUint32 is the inverse of Fingerprint.Uint32.
func FingerprintFromUint32(v uint32) Fingerprint {
	var fp Fingerprint
	binary.BigEndian.PutUint32(fp[:], v)
	return fp
}

// FingerprintFromPSBT converts the little-endian master key fingerprint
// stored in PSBT derivation records.
func FingerprintFromPSBT(v uint32) Fingerprint {
	var fp Fingerprint
	binary.LittleEndian.PutUint32(fp[:], v)
	return fp
}

// PSBTUint32 returns the fingerprint in PSBT (little-endian) form.
func (fp Fingerprint) PSBTUint32() uint32 {
	return binary.LittleEndian.Uint32(fp[:])
}
