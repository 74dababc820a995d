package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/joncooperworks/keyringd/crypto"
	"github.com/joncooperworks/keyringd/hdkey"
	"github.com/joncooperworks/keyringd/rpc"
	"github.com/joncooperworks/keyringd/signer"
)

// keyView is the printable form of one KeyList entry.
type keyView struct {
	ID                string `json:"id" yaml:"id"`
	Name              string `json:"name" yaml:"name"`
	Path              string `json:"path" yaml:"path"`
	ParentFingerprint string `json:"parent_fingerprint" yaml:"parent_fingerprint"`
	XPub              string `json:"xpub" yaml:"xpub"`
}

func toKeyView(k rpc.Key) keyView {
	v := keyView{
		ID:                k.ID.String(),
		Name:              k.Name,
		Path:              k.Path.String(),
		ParentFingerprint: k.ParentFingerprint.String(),
	}
	if key, err := hdkey.FromSerialized(k.XPub, k.Path); err == nil {
		v.XPub = key.String()
	}
	return v
}

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			rep, err := c.Call(cmd.Context(), rpc.ListKeys{})
			if err != nil {
				return err
			}
			list, ok := rep.(rpc.KeyList)
			if !ok {
				return unexpected(rep)
			}

			views := make([]keyView, 0, len(list.Keys))
			for _, k := range list.Keys {
				views = append(views, toKeyView(k))
			}
			if g.format != "" {
				return writeDoc(cmd.OutOrStdout(), views, g.format)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPATH\tPARENT")
			for _, v := range views {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, v.Path, v.ParentFingerprint)
			}
			return tw.Flush()
		},
	}
}

func newSeedCmd(g *globals) *cobra.Command {
	var name, notes string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a new root key from fresh entropy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := g.authCode()
			if err != nil {
				return err
			}
			return g.callForID(cmd, rpc.GenerateSeed{AuthCode: code, Name: name, Notes: notes})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Key name")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")
	return cmd
}

func newDeriveCmd(g *globals) *cobra.Command {
	var name, notes string
	cmd := &cobra.Command{
		Use:   "derive <key-id> <path>",
		Short: "Derive and store a child key, for example m/84'/0'/0'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := hdkey.ParseKeyID(args[0])
			if err != nil {
				return err
			}
			path, err := hdkey.ParsePath(args[1])
			if err != nil {
				return err
			}
			code, err := g.authCode()
			if err != nil {
				return err
			}
			return g.callForID(cmd, rpc.DeriveKey{From: from, Path: path, Name: name, Notes: notes, AuthCode: code})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Key name")
	cmd.Flags().StringVar(&notes, "notes", "", "Free-text notes")
	return cmd
}

func (g *globals) callForID(cmd *cobra.Command, req rpc.Request) error {
	c, err := g.dial(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()
	rep, err := c.Call(cmd.Context(), req)
	if err != nil {
		return err
	}
	success, ok := rep.(rpc.Success)
	if !ok || !success.HasKey {
		return unexpected(rep)
	}
	fmt.Fprintln(cmd.OutOrStdout(), success.KeyID)
	return nil
}

func newExportCmd(g *globals) *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "export <key-id>",
		Short: "Print the extended public key, or the private key with --private",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hdkey.ParseKeyID(args[0])
			if err != nil {
				return err
			}
			code, err := g.authCode()
			if err != nil {
				return err
			}
			c, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			rep, err := c.Call(cmd.Context(), rpc.ExportKey{KeyID: id, Private: private, AuthCode: code})
			if err != nil {
				return err
			}

			var data []byte
			switch r := rep.(type) {
			case rpc.ExtendedPublicKey:
				data = r.Data
			case rpc.ExtendedPrivateKey:
				data = r.Data
				defer crypto.Zeroize(data)
			default:
				return unexpected(rep)
			}
			key, err := hdkey.FromSerialized(data, nil)
			if err != nil {
				return err
			}
			defer key.Zero()
			return writeBlob(cmd.OutOrStdout(), blob{raw: data, base58: key.String()}, g.format, FormatBase58)
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "Export the extended private key")
	return cmd
}

func newSignPsbtCmd(g *globals) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "sign-psbt <file>",
		Short: "Sign every input of a PSBT the daemon holds keys for",
		Long:  "The file may hold a binary, hex or base64 PSBT; use - for stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			code, err := g.authCode()
			if err != nil {
				return err
			}
			c, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			rep, err := c.Call(cmd.Context(), rpc.SignPsbt{Psbt: decodeInput(raw), AuthCode: code})
			if err != nil {
				return err
			}
			signed, ok := rep.(rpc.SignedPsbt)
			if !ok {
				return unexpected(rep)
			}

			for _, s := range signed.Skipped {
				fmt.Fprintf(cmd.ErrOrStderr(), "input %d skipped: %s\n", s.Index, signer.SkipReason(s.Reason))
			}
			if outPath != "" {
				return errors.Wrapf(os.WriteFile(outPath, signed.Psbt, 0o600), "failed to write %s", outPath)
			}
			return writeBlob(cmd.OutOrStdout(), blob{raw: signed.Psbt}, g.format, FormatBase64)
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the binary PSBT to this file instead of stdout")
	return cmd
}

func newSignDataCmd(g *globals) *cobra.Command {
	var fromFile bool
	cmd := &cobra.Command{
		Use:   "sign-data <key-id> <data>",
		Short: "Sign SHA256d(data) with a stored key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := hdkey.ParseKeyID(args[0])
			if err != nil {
				return err
			}
			data := []byte(args[1])
			if fromFile {
				if data, err = readInput(cmd, args[1]); err != nil {
					return err
				}
			}
			code, err := g.authCode()
			if err != nil {
				return err
			}
			c, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			rep, err := c.Call(cmd.Context(), rpc.SignData{KeyID: id, Data: data, AuthCode: code})
			if err != nil {
				return err
			}
			sig, ok := rep.(rpc.Signature)
			if !ok {
				return unexpected(rep)
			}
			return writeBlob(cmd.OutOrStdout(), blob{raw: sig.Sig}, g.format, FormatHex)
		},
	}
	cmd.Flags().BoolVar(&fromFile, "file", false, "Treat <data> as a file path (- for stdin)")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	return data, errors.Wrapf(err, "failed to read %s", path)
}

func unexpected(rep rpc.Reply) error {
	return errors.Errorf("unexpected reply %s", rep.Tag())
}
