package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/goatkit/macrohost/internal/plugin/signing"
)

func newPluginsKeygenCommand(opts *RootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a plugin signing key pair",
		Long: "Keygen writes the private key to --out (hex, mode 0600) and prints the public key " +
			"to add to plugins.trusted_keys.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := signing.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return err
			}
			pubHex := hex.EncodeToString(pub)
			return opts.emit(cmd.OutOrStdout(), map[string]string{"private_key_file": out, "public_key": pubHex}, func(w io.Writer) {
				fmt.Fprintf(w, "private key written to %s\n", out)
				fmt.Fprintf(w, "public key: %s\n", pubHex)
			})
		},
	}

	cmd.Flags().StringVar(&out, "out", "plugin-signing.key", "private key file")
	return cmd
}

func newPluginsSignCommand(opts *RootOptions) *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "sign <module>...",
		Short: "Sign plugin modules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(keyFile)
			if err != nil {
				return err
			}
			key, err := signing.ParsePrivateKey(string(raw))
			if err != nil {
				return err
			}
			sigs := make([]string, 0, len(args))
			for _, path := range args {
				sig, err := signing.Sign(path, key)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				sigs = append(sigs, sig)
			}
			return opts.emit(cmd.OutOrStdout(), map[string]any{"signatures": sigs}, func(w io.Writer) {
				for _, s := range sigs {
					fmt.Fprintf(w, "wrote %s\n", s)
				}
			})
		},
	}

	cmd.Flags().StringVar(&keyFile, "key", "plugin-signing.key", "private key file from keygen")
	return cmd
}
