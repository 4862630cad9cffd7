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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyescrow/pkg/custodian"
)

func (a *app) grantCommand() *cobra.Command {
	var (
		itemID     string
		requester  string
		secretFile string
		issuer     string
		audience   string
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Issue a release grant for a requester",
		Long: `Issue a signed grant that custodians running the grant authorizer accept
as proof that requester may receive the shares of item.

The HMAC secret comes from --secret-file or ESCROW_GRANT_SECRET and must
match the custodians' release.grant secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.v.GetString("grant_secret")
			if secretFile != "" {
				// #nosec G304 - secret path is provided by the operator
				data, err := os.ReadFile(secretFile)
				if err != nil {
					return fmt.Errorf("failed to read grant secret: %w", err)
				}
				secret = strings.TrimSpace(string(data))
			}
			if secret == "" {
				return fmt.Errorf("a grant secret is required (--secret-file or %s_GRANT_SECRET)", EnvPrefix)
			}

			grant, err := custodian.IssueGrant(&custodian.GrantConfig{
				Secret:   []byte(secret),
				Issuer:   issuer,
				Audience: audience,
			}, itemID, requester, ttl)
			if err != nil {
				return err
			}
			return a.printer().PrintFields([]string{"grant", "expires_in"}, map[string]interface{}{
				"grant":      grant,
				"expires_in": ttl.String(),
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&itemID, "item-id", "", "item the grant is for")
	flags.StringVar(&requester, "requester", "", "requester address (0x + 40 hex)")
	flags.StringVar(&secretFile, "secret-file", "", "file holding the grant HMAC secret")
	flags.StringVar(&issuer, "issuer", "", "grant issuer (must match custodians)")
	flags.StringVar(&audience, "audience", "", "grant audience (must match custodians)")
	flags.DurationVar(&ttl, "ttl", time.Hour, "grant lifetime")
	_ = cmd.MarkFlagRequired("item-id")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}
