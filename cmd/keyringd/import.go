package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/joncooperworks/keyringd/daemon"
	"github.com/joncooperworks/keyringd/logging"
	"github.com/joncooperworks/keyringd/vault"
)

func newImportCmd(configPath *string) *cobra.Command {
	var (
		extended       string
		withMnemonic   bool
		withPassphrase bool
		name           string
		notes          string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Add an extended key or BIP39 mnemonic to the vault while the daemon is stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (extended == "") == !withMnemonic {
				return errors.New("pass exactly one of --xkey or --mnemonic")
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ks, err := openKeystore(cfg)
			if err != nil {
				return err
			}

			imp := daemon.Import{Extended: extended, Meta: vault.Meta{Name: name, Notes: notes}}
			if withMnemonic {
				if imp.Mnemonic, err = readSecret("Mnemonic: "); err != nil {
					return err
				}
				if withPassphrase {
					if imp.Passphrase, err = readSecret("Passphrase: "); err != nil {
						return err
					}
				}
			}

			id, err := daemon.ImportKey(cmd.Context(), cfg, ks, imp, logging.Console())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&extended, "xkey", "", "Base58 extended private or public key")
	cmd.Flags().BoolVar(&withMnemonic, "mnemonic", false, "Prompt for a BIP39 mnemonic")
	cmd.Flags().BoolVar(&withPassphrase, "passphrase", false, "Prompt for a BIP39 passphrase as well")
	cmd.Flags().StringVar(&name, "name", "", "Name of the imported key")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")
	return cmd
}
