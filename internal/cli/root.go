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
// Package cli implements the escrow command: owner and buyer operations
// against a set of remote custodians described by a YAML profile.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-keyescrow/pkg/logging"
)

// EnvPrefix is the environment prefix for every setting, e.g.
// ESCROW_LEDGER_DIR.
const EnvPrefix = "ESCROW"

// app carries the state shared by one command tree.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
}

// NewRootCommand builds the escrow command tree. Output goes to out and
// diagnostics to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, errOut: errOut}
	a.v.SetEnvPrefix(EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "escrow",
		Short: "Threshold key escrow for committed items",
		Long: `escrow commits an item among decoys, splits its key K-of-N across
custodians and later reveals it once at least K custodians release
their shares.

Custodians and protocol parameters are read from a YAML profile (--config).
Every setting can also be given as an ESCROW_* environment variable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadProfile()
		},
	}
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "custodian profile (YAML)")
	flags.StringP("output", "o", "text", "output format (text, json)")
	flags.String("ledger-dir", "escrow-data/ledger", "directory of the local commitment ledger")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.BoolP("verbose", "v", false, "verbose output")

	for key, name := range map[string]string{
		"config":     "config",
		"output":     "output",
		"ledger_dir": "ledger-dir",
		"log_level":  "log-level",
		"verbose":    "verbose",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		a.versionCommand(),
		a.keygenCommand(),
		a.pubkeyCommand(),
		a.grantCommand(),
		a.commitCommand(),
		a.revealCommand(),
		a.statusCommand(),
		a.healthCommand(),
	)
	return rootCmd
}

// Execute runs the command tree against os.Args and cancels in-flight
// work on SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand(os.Stdout, os.Stderr)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		_ = NewPrinter(cmd.Flag("output").Value.String(), os.Stderr).PrintError(err)
	}
	return err
}

func (a *app) loadProfile() error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	return nil
}

func (a *app) printer() *Printer {
	return NewPrinter(a.v.GetString("output"), a.out)
}

func (a *app) logger() (logging.Logger, error) {
	level, err := logging.ParseLevel(a.v.GetString("log_level"))
	if err != nil {
		return nil, err
	}
	return logging.NewSlogAdapter(&logging.SlogConfig{Level: level, Output: a.errOut}), nil
}

// printVerbose prints a message if verbose mode is enabled
func (a *app) printVerbose(format string, args ...interface{}) {
	if a.v.GetBool("verbose") {
		fmt.Fprintf(a.errOut, "[VERBOSE] "+format+"\n", args...)
	}
}
