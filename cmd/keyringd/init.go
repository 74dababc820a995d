package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/keyringd/config"
	"github.com/joncooperworks/keyringd/daemon"
)

func newInitCmd(configPath *string) *cobra.Command {
	var (
		network string
		account string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration and provision daemon secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(*configPath)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				cfg := config.Default()
				cfg.DataDir = filepath.Dir(path)
				cfg.Network = network
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := cfg.Write(path); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ks, err := openKeystore(cfg)
			if err != nil {
				return err
			}
			p, err := daemon.Init(cfg, ks, account)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if p.SealingKeyCreated {
				fmt.Fprintln(out, "Created vault sealing key")
			}
			if p.TOTPCreated {
				fmt.Fprintln(out, "Enrol this second factor in an authenticator app:")
				fmt.Fprintln(out, p.EnrollmentURL)
			} else {
				fmt.Fprintln(out, "Second factor already enrolled")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&network, "network", "mainnet", "Bitcoin network: mainnet, testnet3, regtest or signet")
	cmd.Flags().StringVar(&account, "account", "keyringd", "Account label shown by authenticator apps")
	return cmd
}
