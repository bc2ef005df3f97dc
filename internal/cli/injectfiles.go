package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/outputlayout"
)

// injectFilesCommand builds the inject-files subcommand: rewrites the
// project files (npm lockfiles, cargo config, requirements.txt) that a
// prior fetch-deps run staged as pending edits, rebasing the embedded
// output-directory paths onto --for-output-dir when given.
func (c *CLI) injectFilesCommand() *cobra.Command {
	var forOutputDir string

	cmd := &cobra.Command{
		Use:   "inject-files <output-dir>",
		Short: "Apply the project-file edits a prior fetch-deps run staged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())

			absOutput, err := filepath.Abs(args[0])
			if err != nil {
				return cherr.Wrap(cherr.InputError, err, "resolving output directory")
			}

			layout, err := outputlayout.New(absOutput)
			if err != nil {
				return err
			}
			edits, err := layout.ReadEdits()
			if err != nil {
				return err
			}

			for _, edit := range edits {
				content := edit.Content
				if forOutputDir != "" {
					content = strings.ReplaceAll(content, absOutput, forOutputDir)
				}
				if err := os.WriteFile(edit.Path, []byte(content), 0o644); err != nil {
					return cherr.Wrap(cherr.ToolError, err, "writing %s", edit.Path)
				}
				logger.Infof("injected %s", edit.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&forOutputDir, "for-output-dir", "", "rewrite embedded output-directory paths as if it were relocated to this path")
	return cmd
}
