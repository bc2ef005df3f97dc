package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/dispatcher"
	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/outputlayout"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/resolver/bundler"
	"github.com/cachi2-project/cachi2/internal/resolver/cargo"
	"github.com/cachi2-project/cachi2/internal/resolver/generic"
	"github.com/cachi2-project/cachi2/internal/resolver/gomod"
	"github.com/cachi2-project/cachi2/internal/resolver/npm"
	"github.com/cachi2-project/cachi2/internal/resolver/pip"
	"github.com/cachi2-project/cachi2/internal/resolver/rpm"
	"github.com/cachi2-project/cachi2/internal/resolver/yarnberry"
	"github.com/cachi2-project/cachi2/internal/resolver/yarnclassic"
	"github.com/cachi2-project/cachi2/internal/sbom"
	"github.com/cachi2-project/cachi2/pkg/buildinfo"
)

// fetchDepsCommand builds the fetch-deps subcommand: resolves every
// declared package manager against source, writes their combined output
// (SBOM, deps cache, output.json) under output.
func (c *CLI) fetchDepsCommand() *cobra.Command {
	var source, output string
	var cgoDisable, forceGomodTidy, devPackageManagers, gomodVendorCheck bool

	cmd := &cobra.Command{
		Use:   "fetch-deps [flags] <package-input-json>",
		Short: "Fetch dependencies declared by one or more package managers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := loggerFromContext(cmd.Context())
			p := newProgress(logger)

			packages, flags, err := parseInput([]byte(args[0]))
			if err != nil {
				return err
			}
			if cgoDisable {
				flags.CGODisable = true
			}
			if forceGomodTidy {
				flags.ForceGomodTidy = true
			}
			if devPackageManagers {
				flags.DevPackageManagers = true
			}
			if gomodVendorCheck {
				flags.GomodVendorCheck = true
			}

			absSource, err := filepath.Abs(source)
			if err != nil {
				return cherr.Wrap(cherr.InputError, err, "resolving --source")
			}
			absOutput, err := filepath.Abs(output)
			if err != nil {
				return cherr.Wrap(cherr.InputError, err, "resolving --output")
			}

			req, err := reqmodel.New(absSource, absOutput, packages, flags)
			if err != nil {
				return err
			}

			layout, err := outputlayout.New(absOutput)
			if err != nil {
				return err
			}

			fetcher := fetchutil.New()
			d := dispatcher.New(defaultResolvers(fetcher))

			result, err := d.Dispatch(cmd.Context(), req, reqmodel.DefaultEngineConfig(), absOutput)
			if err != nil {
				return err
			}

			doc := sbom.New(appName, buildinfo.Version)
			for _, comp := range result.Components {
				doc.Add(comp)
			}
			bom, err := doc.ToCycloneDX()
			if err != nil {
				return err
			}
			if err := layout.WriteBom(bom); err != nil {
				return err
			}

			summary := outputlayout.Summary{}
			for _, pkg := range packages {
				summary.Packages = append(summary.Packages, outputlayout.PackageSummary{Type: string(pkg.Kind), Path: pkg.Path})
			}
			if err := layout.WriteOutputJSON(summary, time.Now()); err != nil {
				return err
			}

			if err := layout.WriteEnvVars(result.Env); err != nil {
				return err
			}
			stored, err := renderEdits(req, result.Edits)
			if err != nil {
				return err
			}
			if err := layout.WriteEdits(stored); err != nil {
				return err
			}

			p.done("resolved dependencies")
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", ".", "source directory to scan")
	cmd.Flags().StringVar(&output, "output", "cachi2-output", "output directory")
	cmd.Flags().BoolVar(&cgoDisable, "cgo-disable", false, "set CGO_ENABLED=0 for gomod resolution")
	cmd.Flags().BoolVar(&forceGomodTidy, "force-gomod-tidy", false, "run go mod tidy after go mod download, before listing modules")
	cmd.Flags().BoolVar(&devPackageManagers, "dev-package-managers", false, "enable package managers not yet stable")
	cmd.Flags().BoolVar(&gomodVendorCheck, "gomod-vendor-check", false, "fail if the vendor directory diverges from go.mod")
	return cmd
}

// renderEdits applies each pending FileEdit against its current on-disk
// content, once, with an empty --for-output-dir so the rendered baseline
// embeds the real output directory; inject-files rebases that baseline
// with a plain string substitution instead of re-invoking resolver logic
// in a later process.
func renderEdits(req *reqmodel.Request, edits []resolver.FileEdit) ([]outputlayout.StoredEdit, error) {
	stored := make([]outputlayout.StoredEdit, 0, len(edits))
	for _, edit := range edits {
		abs, err := req.SourceDir.Join(edit.Path)
		if err != nil {
			return nil, err
		}
		original, err := os.ReadFile(abs.String())
		if err != nil && !os.IsNotExist(err) {
			return nil, cherr.Wrap(cherr.InputError, err, "reading %s for injection", edit.Path)
		}
		rendered, err := edit.Apply(original, "")
		if err != nil {
			return nil, cherr.Wrap(cherr.ToolError, err, "rendering edit for %s", edit.Path)
		}
		stored = append(stored, outputlayout.StoredEdit{Path: abs.String(), Content: string(rendered)})
	}
	return stored, nil
}

func defaultResolvers(fetcher *fetchutil.Fetcher) map[reqmodel.Kind]resolver.Resolver {
	return map[reqmodel.Kind]resolver.Resolver{
		reqmodel.KindGomod:     gomod.New(),
		reqmodel.KindPip:       pip.New(fetcher),
		reqmodel.KindNpm:       npm.New(fetcher),
		reqmodel.KindYarn:      yarnclassic.New(),
		reqmodel.KindYarnBerry: yarnberry.New(),
		reqmodel.KindCargo:     cargo.New(),
		reqmodel.KindBundler:   bundler.New(fetcher),
		reqmodel.KindGeneric:   generic.New(fetcher),
		reqmodel.KindRpm:       rpm.New(fetcher),
	}
}
