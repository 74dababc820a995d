// Package sealing encrypts private key material for storage at rest.
//
// Every sealed blob is bound to a Context and to the identity of the record
// it belongs to: the secretbox key is derived with HKDF-SHA256 from the
// vault sealing key, the context string and the record identity, so a blob
// copied onto another record fails to open.
//
// Wire format (for each blob) is:
//
//	[nonce:24][secretbox(ciphertext+tag)]
package sealing

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/joncooperworks/keyringd/crypto"
)

// KeySize is the size of a sealing key.
const KeySize = 32

const nonceSize = 24

// Context specifies the HKDF context string used for subkey derivation.
type Context []byte

var (
	// ContextPrivateKey seals serialized extended private keys in the vault file.
	ContextPrivateKey Context = []byte("keyringd-xprv-v1")
)

var hkdfSalt = []byte("keyringd-sealing-v1")

// ErrOpen is returned when a blob fails authentication.
var ErrOpen = errors.New("sealed blob failed authentication")

// Sealer seals and opens blobs under one sealing key.
type Sealer struct {
	key  [KeySize]byte
	rand io.Reader
}

// NewSealer copies key, which must be KeySize bytes.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	s := &Sealer{rand: rand.Reader}
	copy(s.key[:], key)
	return s, nil
}

// GenerateKey returns a fresh random sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate sealing key")
	}
	return key, nil
}

// Seal encrypts plaintext under ctx for the record identified by binding.
func (s *Sealer) Seal(ctx Context, binding, plaintext []byte) ([]byte, error) {
	subkey, err := s.subkey(ctx, binding)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize32(&subkey)

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, plaintext, &nonce, &subkey), nil
}

// Open decrypts a blob produced by Seal with the same ctx and binding. The
// caller owns the returned plaintext and must zeroize it.
func (s *Sealer) Open(ctx Context, binding, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed blob too short")
	}
	subkey, err := s.subkey(ctx, binding)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize32(&subkey)

	var nonce [nonceSize]byte
	copy(nonce[:], blob[:nonceSize])
	plaintext, ok := secretbox.Open(nil, blob[nonceSize:], &nonce, &subkey)
	if !ok {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// Close clears the sealing key.
func (s *Sealer) Close() {
	crypto.Zeroize32(&s.key)
}

func (s *Sealer) subkey(ctx Context, binding []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	if len(ctx) == 0 {
		return key, errors.New("context cannot be empty")
	}
	info := make([]byte, 0, len(ctx)+1+len(binding))
	info = append(info, ctx...)
	info = append(info, 0)
	info = append(info, binding...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.key[:], hkdfSalt, info), key[:]); err != nil {
		return key, errors.Wrap(err, "failed to derive key")
	}
	return key, nil
}
