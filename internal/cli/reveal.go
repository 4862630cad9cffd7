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
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

func (a *app) revealCommand() *cobra.Command {
	var (
		itemID    string
		requester string
		grant     string
	)

	cmd := &cobra.Command{
		Use:   "reveal",
		Short: "Collect released shares and decrypt a committed item",
		Long: `Ask every custodian to release its share of item-id on behalf of
requester, reconstruct the key from at least protocol.threshold shares
and decrypt the committed line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.openNetwork()
			if err != nil {
				return err
			}
			defer n.Close()

			b, err := escrow.NewBuyer(&escrow.BuyerConfig{
				Params:     n.params,
				Policy:     n.policy,
				Ledger:     n.ledger,
				Custodians: n.custodians,
				Logger:     n.logger,
			})
			if err != nil {
				return err
			}

			if grant == "" {
				grant = a.v.GetString("grant")
			}
			res, err := b.Reveal(cmd.Context(), &escrow.RevealRequest{
				ItemID:    itemID,
				Requester: requester,
				Grant:     grant,
			})
			if err != nil {
				return err
			}
			return a.printer().PrintReveal(res)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&itemID, "item-id", "", "item to reveal")
	flags.StringVar(&requester, "requester", "", "requester address (0x + 40 hex)")
	flags.StringVar(&grant, "grant", "", "release grant (or ESCROW_GRANT)")
	_ = cmd.MarkFlagRequired("item-id")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func (a *app) statusCommand() *cobra.Command {
	var itemID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger entry of an item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			entry, err := ledger.Lookup(cmd.Context(), itemID)
			if err != nil {
				return err
			}
			return a.printer().PrintLedgerEntry(entry)
		},
	}
	cmd.Flags().StringVar(&itemID, "item-id", "", "item to show")
	_ = cmd.MarkFlagRequired("item-id")
	return cmd
}
