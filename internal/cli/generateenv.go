package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/envfile"
	"github.com/cachi2-project/cachi2/internal/outputlayout"
)

// generateEnvCommand builds the generate-env subcommand: reads the
// environment variables a prior fetch-deps run persisted and renders
// them in one of envfile's three formats, optionally rebasing every
// path-kind value onto --for-output-dir.
func (c *CLI) generateEnvCommand() *cobra.Command {
	var format, forOutputDir, outputFile string

	cmd := &cobra.Command{
		Use:   "generate-env <output-dir>",
		Short: "Print environment variables for a build to consume the fetched dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absOutput, err := filepath.Abs(args[0])
			if err != nil {
				return cherr.Wrap(cherr.InputError, err, "resolving output directory")
			}

			layout, err := outputlayout.New(absOutput)
			if err != nil {
				return err
			}
			vars, err := layout.ReadEnvVars()
			if err != nil {
				return err
			}

			f := envfile.Format(format)
			if outputFile != "" && format == "" {
				f, err = envfile.FormatFromSuffix(filepath.Ext(outputFile))
				if err != nil {
					return err
				}
			}
			if f == "" {
				f = envfile.FormatEnv
			}

			rendered, err := envfile.Generate(vars, f, absOutput, forOutputDir)
			if err != nil {
				return err
			}

			if outputFile == "" {
				fmt.Fprint(cmd.OutOrStdout(), rendered)
				return nil
			}
			if err := os.WriteFile(outputFile, []byte(rendered), 0o644); err != nil {
				return cherr.Wrap(cherr.ToolError, err, "writing %s", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "output format: env, json, or dotenv (inferred from --output-file when omitted)")
	cmd.Flags().StringVar(&forOutputDir, "for-output-dir", "", "rewrite path-kind values as if the output directory were relocated to this path")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "write the rendered environment to this file instead of stdout")

	return cmd
}
