package daemon

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joncooperworks/keyringd/auth"
	"github.com/joncooperworks/keyringd/config"
	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/crypto/keystore"
	"github.com/joncooperworks/keyringd/crypto/sealing"
	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/seed"
	"github.com/joncooperworks/keyringd/vault"
)

// Provisioned reports what Init created.
type Provisioned struct {
	SealingKeyCreated bool
	TOTPCreated       bool
	// EnrollmentURL is the otpauth:// URL of a newly created second factor.
	EnrollmentURL string
}

// Init creates the sealing key and the second-factor secret in ks when they
// are missing. Existing secrets are left untouched.
func Init(cfg *config.Config, ks keystore.Keystore, account string) (Provisioned, error) {
	var p Provisioned

	sealKey, created, err := keystore.Ensure(ks, keystore.SealingKeyName, sealing.GenerateKey)
	if err != nil {
		return p, errors.Wrap(err, "failed to provision sealing key")
	}
	crypto.Zeroize(sealKey)
	p.SealingKeyCreated = created

	_, created, err = keystore.Ensure(ks, keystore.TOTPSecretName, func() ([]byte, error) {
		enroll, err := auth.NewEnrollment("keyringd", account, cfg.Auth.Period)
		if err != nil {
			return nil, err
		}
		p.EnrollmentURL = enroll.URL
		return []byte(enroll.Secret), nil
	})
	if err != nil {
		return p, errors.Wrap(err, "failed to provision second factor")
	}
	p.TOTPCreated = created
	return p, nil
}

// Import describes a key restored into the vault while the daemon is
// stopped. Exactly one of Extended and Mnemonic is set.
type Import struct {
	Extended   string
	Mnemonic   string
	Passphrase string
	Meta       vault.Meta
}

// ImportKey adds one key to the vault file named by cfg. It must not run
// while a daemon is serving the same file.
func ImportKey(ctx context.Context, cfg *config.Config, ks keystore.Keystore, imp Import, log zerolog.Logger) (hdkey.KeyID, error) {
	if (imp.Extended == "") == (imp.Mnemonic == "") {
		return hdkey.KeyID{}, errors.New("exactly one of an extended key or a mnemonic is required")
	}
	rt, err := Open(ctx, cfg, log, WithKeystore(ks))
	if err != nil {
		return hdkey.KeyID{}, err
	}
	defer rt.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Vault.PersistTimeout)
	defer cancel()
	if imp.Extended != "" {
		return rt.store.Import(ctx, imp.Extended, imp.Meta)
	}
	key, err := seed.NewGenerator(rt.store.Network()).FromMnemonic(imp.Mnemonic, imp.Passphrase)
	if err != nil {
		return hdkey.KeyID{}, err
	}
	defer key.Zero()
	return rt.store.Insert(ctx, key, imp.Meta)
}
