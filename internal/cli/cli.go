// Package cli implements the cachi2 command-line interface: fetch-deps,
// generate-env, inject-files, and completion. Structured on the teacher's
// CLI-struct-plus-logger-in-context pattern (pkg/buildinfo for version
// info, charmbracelet/log for structured output, spf13/cobra for command
// wiring).
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/pkg/buildinfo"
)

const appName = "cachi2"

// CLI holds shared state for all commands.
type CLI struct {
	Logger *log.Logger
}

// New creates a CLI instance with a default logger writing to w.
func New(w *os.File, level log.Level) *CLI {
	return &CLI{Logger: newLogger(w, level)}
}

// SetLogLevel updates the logger's level.
func (c *CLI) SetLogLevel(level log.Level) {
	c.Logger.SetLevel(level)
}

// RootCommand builds the root cobra command with every subcommand
// registered.
func (c *CLI) RootCommand() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:          appName,
		Short:        "cachi2 pre-fetches dependencies for hermetic, network-isolated builds",
		Long:         `cachi2 resolves and fetches the dependencies declared by a project's package managers into a local cache, so the project can later be built with no network access, and emits a software bill of materials describing everything it fetched.`,
		Version:      buildinfo.Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := log.InfoLevel
			if verbose {
				level = log.DebugLevel
			}
			c.SetLogLevel(level)
			cmd.SetContext(withLogger(cmd.Context(), c.Logger))
			return nil
		},
	}
	root.SetVersionTemplate(buildinfo.Template())
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(c.fetchDepsCommand())
	root.AddCommand(c.generateEnvCommand())
	root.AddCommand(c.injectFilesCommand())
	root.AddCommand(c.completionCommand())

	return root
}

// Execute is the process entry point: builds the root command and runs it
// against a context cancelled on SIGINT/SIGTERM, carrying the CLI's
// logger. A cancellation mid-fetch exits 130, the standard shell
// convention for SIGINT, so a caller can distinguish it from a fatal
// resolver error.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	if err := root.ExecuteContext(withLogger(ctx, c.Logger)); err != nil {
		fmt.Fprintln(os.Stderr, cherr.UserMessage(err))
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		return err
	}
	return nil
}
