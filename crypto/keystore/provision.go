package keystore

import "github.com/pkg/errors"

// Ensure returns the secret stored under name, creating it with generate
// when it does not exist yet. created reports whether generate ran.
func Ensure(ks Keystore, name string, generate func() ([]byte, error)) (secret []byte, created bool, err error) {
	secret, err = ks.Get(name)
	if err == nil {
		return secret, false, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return nil, false, err
	}
	secret, err = generate()
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to generate %s", name)
	}
	if err := ks.Set(name, secret); err != nil {
		return nil, false, err
	}
	return secret, true, nil
}
