// Command keyring-cli talks to a running keyringd.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joncooperworks/keyringd/auth"
	"github.com/joncooperworks/keyringd/transport"
)

const defaultURL = "ws://127.0.0.1:7420" + transport.Path

// EnvURL overrides the daemon address.
const EnvURL = "KEYRINGD_URL"

type globals struct {
	url    string
	format string
	code   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "keyring-cli",
		Short:         "Client for the keyringd key custody daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	url := defaultURL
	if v := os.Getenv(EnvURL); v != "" {
		url = v
	}
	cmd.PersistentFlags().StringVar(&g.url, "url", url, "Daemon websocket URL")
	cmd.PersistentFlags().StringVarP(&g.format, "format", "f", "", "Output encoding: hex, base58, base64, json or yaml")
	cmd.PersistentFlags().StringVar(&g.code, "code", "", "Six-digit authorization code (prompted when omitted)")

	cmd.AddCommand(
		newListCmd(g),
		newSeedCmd(g),
		newExportCmd(g),
		newDeriveCmd(g),
		newSignPsbtCmd(g),
		newSignDataCmd(g),
	)
	return cmd
}

func (g *globals) dial(ctx context.Context) (*transport.Client, error) {
	return transport.Dial(ctx, g.url)
}

// authCode returns --code or prompts for it.
func (g *globals) authCode() (uint32, error) {
	s := g.code
	if s == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return 0, errors.New("--code is required when stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, "Authorization code: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return 0, errors.Wrap(err, "failed to read code")
		}
		s = string(b)
	}
	return parseCode(s)
}

func parseCode(s string) (uint32, error) {
	if len(s) != 6 {
		return 0, errors.Errorf("authorization code must be six digits")
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > auth.MaxCode {
		return 0, errors.Errorf("authorization code must be six digits")
	}
	return uint32(v), nil
}
