// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyescrow.
//
// go-keyescrow is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyescrow/pkg/crypto/x25519"
)

func (a *app) keygenCommand() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a custodian X25519 key pair",
		Long: `Generate the key pair a custodian uses to unseal owner shares.
The private key is written hex-encoded to --out with 0600 permissions and
the public key is printed for the owner's profile.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			kp, err := x25519.GenerateKey()
			if err != nil {
				return err
			}
			if err := x25519.WritePrivateKeyFile(out, kp); err != nil {
				return err
			}
			return a.printer().PrintFields([]string{"key_file", "public_key"}, map[string]interface{}{
				"key_file":   out,
				"public_key": x25519.PublicKeyHex(kp.PublicKey),
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "private key file to write")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func (a *app) pubkeyCommand() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "pubkey",
		Short: "Print the public key of a custodian key file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := x25519.LoadPrivateKeyFile(in)
			if err != nil {
				return err
			}
			return a.printer().PrintFields([]string{"public_key"}, map[string]interface{}{
				"public_key": x25519.PublicKeyHex(kp.PublicKey),
			})
		},
	}
	cmd.Flags().StringVar(&in, "key-file", "", "private key file")
	_ = cmd.MarkFlagRequired("key-file")
	return cmd
}
