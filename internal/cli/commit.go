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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-keyescrow/pkg/commitment"
	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

func (a *app) commitCommand() *cobra.Command {
	var (
		itemID     string
		owner      string
		item       string
		decoys     []string
		decoysFile string
	)

	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit an item and distribute its key shares",
		Long: `Encrypt item under a fresh key, hide it among decoy lines, publish the
commitment to the ledger and send one key share to each custodian.

The commitment is confirmed once protocol.threshold custodians accepted
their share and orphaned otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if decoysFile != "" {
				fromFile, err := readLines(decoysFile)
				if err != nil {
					return err
				}
				decoys = append(decoys, fromFile...)
			}

			n, err := a.openNetwork()
			if err != nil {
				return err
			}
			defer n.Close()

			o, err := escrow.NewOwner(&escrow.OwnerConfig{
				Params:     n.params,
				Policy:     n.policy,
				Ledger:     n.ledger,
				Custodians: n.custodians,
				Logger:     n.logger,
			})
			if err != nil {
				return err
			}

			res, err := o.Commit(cmd.Context(), &escrow.CommitRequest{
				ItemID:       itemID,
				OwnerAddress: owner,
				Item:         item,
				Decoys:       commitment.DecoyList(decoys),
			})
			if err != nil {
				return err
			}
			return a.printer().PrintCommit(res)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&itemID, "item-id", "", "item id (generated when empty)")
	flags.StringVar(&owner, "owner", "", "owner address (0x + 40 hex)")
	flags.StringVar(&item, "item", "", "the line to commit")
	flags.StringArrayVar(&decoys, "decoy", nil, "decoy line (repeat protocol.lines-1 times)")
	flags.StringVar(&decoysFile, "decoys-file", "", "file with one decoy line per line")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("item")
	return cmd
}

// readLines returns the non-blank lines of path.
func readLines(path string) ([]string, error) {
	// #nosec G304 - decoy path is provided by the operator
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}
