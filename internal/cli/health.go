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
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
)

func (a *app) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the readiness of every custodian in the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.openNetwork()
			if err != nil {
				return err
			}
			defer n.Close()

			views := make([]HealthView, len(n.clients))
			var wg sync.WaitGroup
			for i, c := range n.clients {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ctx, cancel := context.WithTimeout(cmd.Context(), n.policy.CallTimeout)
					defer cancel()

					views[i] = HealthView{Custodian: c.ID()}
					resp, err := c.Health(ctx)
					if err != nil {
						views[i].Status = "unreachable"
						views[i].Error = err.Error()
						return
					}
					views[i].Status = resp.Status
					views[i].Version = resp.Version
					views[i].Checks = resp.Checks
				}(i)
			}
			wg.Wait()

			if err := a.printer().PrintHealth(views); err != nil {
				return err
			}
			healthy := 0
			for _, v := range views {
				if v.Error == "" && v.Status != "unhealthy" {
					healthy++
				}
			}
			if healthy < n.params.Threshold {
				return fmt.Errorf("only %d of %d custodians ready, threshold is %d", healthy, len(views), n.params.Threshold)
			}
			return nil
		},
	}
}
