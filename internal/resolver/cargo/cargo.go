// Package cargo implements the cargo Resolver (spec.md §4.10): runs
// `cargo vendor --locked --frozen`, captures its stdout as a
// .cargo/config.toml source-replacement block, and parses Cargo.lock
// directly for SBOM emission using github.com/BurntSushi/toml, the same
// TOML library the rest of the pack uses for config decoding.
package cargo

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// Resolver implements resolver.Resolver for cargo packages.
type Resolver struct{}

// New creates a cargo Resolver.
func New() *Resolver { return &Resolver{} }

var _ resolver.Resolver = (*Resolver)(nil)

// placeholderOutput is substituted for the real output directory in the
// written .cargo/config.toml; inject-files rebases it with
// --for-output-dir.
const placeholderOutput = "{cachi2-output}"

type lockFile struct {
	Package []lockPackage `toml:"package"`
}

type lockPackage struct {
	Name     string `toml:"name"`
	Version  string `toml:"version"`
	Source   string `toml:"source"`
	Checksum string `toml:"checksum"`
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	dir := pkgPath.String()

	if _, err := os.Stat(filepath.Join(dir, "Cargo.toml")); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "Cargo.toml required at %s", dir)
	}
	lockData, err := os.ReadFile(filepath.Join(dir, "Cargo.lock"))
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading Cargo.lock")
	}
	var lf lockFile
	if _, err := toml.Decode(string(lockData), &lf); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing Cargo.lock")
	}

	vendorDir := filepath.Join(rc.OutputDir, "deps", "cargo", "vendor")
	if err := os.MkdirAll(vendorDir, 0o755); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.FetchError, err, "creating %s", vendorDir)
	}

	configBlock, err := r.runCargoVendor(ctx, dir, vendorDir, rc.Engine.SubprocessTimeout())
	if err != nil {
		return resolver.Result{}, err
	}

	components := buildSBOM(lf.Package)

	edit := resolver.FileEdit{
		Path: filepath.Join(pkg.Path, ".cargo", "config.toml"),
		Apply: func(content []byte, forOutputDir string) ([]byte, error) {
			rewritten := configBlock
			if forOutputDir != "" {
				rewritten = strings.ReplaceAll(configBlock, placeholderOutput, forOutputDir)
			} else {
				rewritten = strings.ReplaceAll(configBlock, placeholderOutput, rc.OutputDir)
			}
			return []byte(rewritten), nil
		},
	}

	env := []resolver.EnvVar{
		{Name: "CARGO_HOME", Value: filepath.Join(rc.OutputDir, "deps", "cargo", "home"), Kind: resolver.EnvPath},
	}

	return resolver.Result{Components: components, Edits: []resolver.FileEdit{edit}, Env: env}, nil
}

func (r *Resolver) runCargoVendor(ctx context.Context, dir, vendorDir string, timeout time.Duration) (string, error) {
	if _, err := exec.LookPath("cargo"); err != nil {
		return "", cherr.New(cherr.ToolError, "cargo is required to resolve cargo packages: %v", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "cargo", "vendor", "--locked", "--frozen", vendorDir)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", cherr.New(cherr.ToolError, "cargo vendor failed: %s", boundStderr(stderr.String()))
	}
	return buildConfigBlock(stdout.String(), vendorDir), nil
}

// buildConfigBlock rewrites cargo vendor's emitted `directory = "..."`
// line to the {cachi2-output}-relative placeholder so the written
// config.toml survives being relocated with --for-output-dir.
func buildConfigBlock(vendorStdout, vendorDir string) string {
	placeholderDir := placeholderOutput + "/deps/cargo/vendor"
	lines := strings.Split(vendorStdout, "\n")
	for i, line := range lines {
		if strings.Contains(line, "directory =") {
			lines[i] = `directory = "` + placeholderDir + `"`
		}
	}
	return strings.Join(lines, "\n")
}

func buildSBOM(packages []lockPackage) []sbom.Component {
	var components []sbom.Component
	rootEmitted := false
	for _, p := range packages {
		switch {
		case p.Source == "" && !rootEmitted:
			// Workspace/path package: emitted once for the root, skipped otherwise.
			rootEmitted = true
			c := sbom.Component{
				Name: p.Name, Version: p.Version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("cargo", "", p.Name, p.Version, nil, ""),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			components = append(components, c)
		case p.Source == "":
			continue
		case strings.HasPrefix(p.Source, "registry+"):
			qualifiers := map[string]string{}
			if p.Checksum != "" {
				qualifiers["checksum"] = "sha256:" + p.Checksum
			}
			c := sbom.Component{
				Name: p.Name, Version: p.Version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("cargo", "", p.Name, p.Version, qualifiers, ""),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			components = append(components, c)
		case strings.HasPrefix(p.Source, "git+"):
			url, commit := splitGitSource(p.Source)
			qualifiers := map[string]string{"vcs_url": "git+" + url + "@" + commit}
			c := sbom.Component{
				Name: p.Name, Version: p.Version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("cargo", "", p.Name, p.Version, qualifiers, ""),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:cargo")
			components = append(components, c)
		}
	}
	return components
}

func splitGitSource(source string) (url, commit string) {
	s := strings.TrimPrefix(source, "git+")
	if i := strings.Index(s, "#"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func boundStderr(s string) string {
	const max = 4096
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
