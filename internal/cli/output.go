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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jeremyhahn/go-keyescrow/pkg/escrow"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

func (p *Printer) check() error {
	switch p.format {
	case OutputFormatText, OutputFormatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// CallView is one custodian outcome.
type CallView struct {
	Custodian string `json:"custodian"`
	X         int    `json:"x"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

func callViews(results []escrow.CallResult) []CallView {
	views := make([]CallView, 0, len(results))
	for _, r := range results {
		v := CallView{Custodian: r.Custodian, X: r.X, Attempts: r.Attempts}
		if r.Err != nil {
			v.Error = r.Err.Error()
		}
		views = append(views, v)
	}
	return views
}

// PrintCommit prints a successful commit. The real index is only shown
// to the owner running the command.
func (p *Printer) PrintCommit(res *escrow.CommitResult) error {
	if err := p.check(); err != nil {
		return err
	}
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"item_id":     res.ItemID,
			"commit_hash": res.Record.Hash.Hex(),
			"real_index":  res.RealIndex,
			"delivered":   res.Delivered,
			"lines":       res.Record.Lines,
			"custodians":  callViews(res.Results),
		})
	}
	fmt.Fprintf(p.writer, "Item:        %s\n", res.ItemID)
	fmt.Fprintf(p.writer, "Commit hash: %s\n", res.Record.Hash.Hex())
	fmt.Fprintf(p.writer, "Real index:  %d\n", res.RealIndex)
	fmt.Fprintf(p.writer, "Delivered:   %d of %d\n", res.Delivered, len(res.Results))
	p.printCalls(res.Results)
	return nil
}

// PrintReveal prints a revealed item.
func (p *Printer) PrintReveal(res *escrow.RevealResult) error {
	if err := p.check(); err != nil {
		return err
	}
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"item_id":    res.ItemID,
			"item":       res.Item,
			"real_index": res.RealIndex,
			"released":   res.Released,
			"lines":      res.Lines,
			"custodians": callViews(res.Results),
		})
	}
	fmt.Fprintf(p.writer, "Item:     %s\n", res.ItemID)
	fmt.Fprintf(p.writer, "Revealed: %s\n", res.Item)
	fmt.Fprintf(p.writer, "Line:     %d\n", res.RealIndex)
	fmt.Fprintf(p.writer, "Released: %d\n", res.Released)
	p.printCalls(res.Results)
	return nil
}

func (p *Printer) printCalls(results []escrow.CallResult) {
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
		}
		fmt.Fprintf(p.writer, "  x=%-2d %-20s %s\n", r.X, r.Custodian, status)
	}
}

// PrintLedgerEntry prints the public commitment for an item.
func (p *Printer) PrintLedgerEntry(entry *escrow.LedgerEntry) error {
	if err := p.check(); err != nil {
		return err
	}
	if p.format == OutputFormatJSON {
		out := map[string]interface{}{
			"item_id":       entry.ItemID,
			"owner_address": entry.OwnerAddress,
			"status":        entry.Status.String(),
			"commit_hash":   entry.Record.Hash.Hex(),
			"lines":         entry.Record.Lines,
			"published_at":  entry.PublishedAt,
			"updated_at":    entry.UpdatedAt,
		}
		if entry.Reason != "" {
			out["reason"] = entry.Reason
		}
		return p.printJSON(out)
	}
	fmt.Fprintf(p.writer, "Item:        %s\n", entry.ItemID)
	fmt.Fprintf(p.writer, "Owner:       %s\n", entry.OwnerAddress)
	fmt.Fprintf(p.writer, "Status:      %s\n", entry.Status)
	if entry.Reason != "" {
		fmt.Fprintf(p.writer, "Reason:      %s\n", entry.Reason)
	}
	fmt.Fprintf(p.writer, "Commit hash: %s\n", entry.Record.Hash.Hex())
	fmt.Fprintln(p.writer, "Lines:")
	for i, line := range entry.Record.Lines {
		fmt.Fprintf(p.writer, "  %d. %s\n", i, line)
	}
	return nil
}

// HealthView is the probe result for one custodian.
type HealthView struct {
	Custodian string            `json:"custodian"`
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PrintHealth prints one line per custodian.
func (p *Printer) PrintHealth(views []HealthView) error {
	if err := p.check(); err != nil {
		return err
	}
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{"custodians": views})
	}
	for _, v := range views {
		detail := v.Error
		if detail == "" && len(v.Checks) > 0 {
			names := make([]string, 0, len(v.Checks))
			for name := range v.Checks {
				names = append(names, name+"="+v.Checks[name])
			}
			sort.Strings(names)
			detail = strings.Join(names, " ")
		}
		fmt.Fprintf(p.writer, "%-20s %-10s %s\n", v.Custodian, v.Status, detail)
	}
	return nil
}

// PrintFields prints key/value pairs in order.
func (p *Printer) PrintFields(keys []string, values map[string]interface{}) error {
	if err := p.check(); err != nil {
		return err
	}
	if p.format == OutputFormatJSON {
		return p.printJSON(values)
	}
	for _, k := range keys {
		fmt.Fprintf(p.writer, "%s: %v\n", k, values[k])
	}
	return nil
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) error {
	if p.format == OutputFormatJSON {
		return p.printJSON(map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		})
	}
	fmt.Fprintf(p.writer, "Error: %v\n", err)
	return nil
}

// printJSON prints data as JSON
func (p *Printer) printJSON(data interface{}) error {
	encoder := json.NewEncoder(p.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
