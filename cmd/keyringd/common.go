package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/joncooperworks/keyringd/config"
	"github.com/joncooperworks/keyringd/crypto/keystore"
)

// resolveConfigPath applies the default location when no path was given.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if dir := os.Getenv(config.EnvDataDir); dir != "" {
		return config.Path(dir)
	}
	return config.Path(config.DefaultDataDir())
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(resolveConfigPath(path))
}

// readSecret prompts on the terminal without echo.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", errors.Wrap(err, "failed to read input")
	}
	return string(b), nil
}

func openKeystore(cfg *config.Config) (keystore.Keystore, error) {
	ks, err := keystore.NewKeystore(cfg.SecretStore(func(string) (string, error) {
		return readSecret("Keystore password: ")
	}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open secret keystore")
	}
	return ks, nil
}
