// Package reqmodel defines the Request/Package/Flags data model: an
// immutable, validated description of what to fetch and where, plus the
// process-wide EngineConfig tunables the original tool loaded once at
// startup. Grounded on the teacher's pkg/deps.Options pattern (a plain
// struct with a WithDefaults method) and validated through
// internal/rootedpath so every path stays inside source_dir.
package reqmodel

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/rootedpath"
)

// Kind identifies a package manager.
type Kind string

const (
	KindGomod     Kind = "gomod"
	KindPip       Kind = "pip"
	KindNpm       Kind = "npm"
	KindYarn      Kind = "yarn"       // yarn classic (v1)
	KindYarnBerry Kind = "yarn-berry" // yarn v2+
	KindCargo     Kind = "cargo"
	KindBundler   Kind = "bundler"
	KindGeneric   Kind = "generic"
	KindRpm       Kind = "rpm"
)

var knownKinds = map[Kind]bool{
	KindGomod: true, KindPip: true, KindNpm: true, KindYarn: true,
	KindYarnBerry: true, KindCargo: true, KindBundler: true,
	KindGeneric: true, KindRpm: true,
}

// Flags are the global request-level toggles named in spec.md §3.
type Flags struct {
	GomodVendorCheck   bool
	ForceGomodTidy     bool
	CGODisable         bool
	DevPackageManagers bool
	AllowBinary        bool
}

// Package is one input package-manager entry inside a Request.
type Package struct {
	Kind              Kind
	Path              string   // relative to Request.SourceDir
	RequirementsFiles []string // pip only; relative to Path
	Lockfile          string   // explicit lockfile override, relative to Path
}

// Request is the immutable, validated top-level input, per spec.md §3.
type Request struct {
	SourceDir rootedpath.Path
	OutputDir string
	Packages  []Package
	Flags     Flags
}

// New validates raw inputs and returns an immutable Request. sourceDir and
// outputDir must be absolute paths; New does not check that either
// directory exists. Every Package.Path must normalize inside sourceDir and
// every RequirementsFiles entry must exist on disk.
func New(sourceDir, outputDir string, packages []Package, flags Flags) (*Request, error) {
	root, err := rootedpath.New(sourceDir)
	if err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "invalid source_dir %s", sourceDir)
	}
	if !filepath.IsAbs(outputDir) {
		return nil, cherr.New(cherr.InputError, "output_dir must be absolute: %s", outputDir)
	}
	if len(packages) == 0 {
		return nil, cherr.New(cherr.InputError, "request must declare at least one package")
	}

	for i, pkg := range packages {
		if !knownKinds[pkg.Kind] {
			return nil, cherr.New(cherr.InputError, "package %d: unknown package manager %q", i, pkg.Kind)
		}
		pkgPath, err := root.Join(pkg.Path)
		if err != nil {
			return nil, cherr.Wrap(cherr.InputError, err, "package %d: path %q does not normalize inside source_dir", i, pkg.Path)
		}
		for _, rf := range pkg.RequirementsFiles {
			if pkg.Kind != KindPip {
				return nil, cherr.New(cherr.InputError, "package %d: requirements_files is only valid for pip packages", i)
			}
			rfPath, err := pkgPath.Join(rf)
			if err != nil {
				return nil, cherr.Wrap(cherr.InputError, err, "package %d: requirements file %q escapes source_dir", i, rf)
			}
			if _, err := os.Stat(rfPath.String()); err != nil {
				return nil, cherr.Wrap(cherr.InputError, err, "package %d: requirements file %q does not exist", i, rf)
			}
		}
		if pkg.Lockfile != "" {
			if _, err := pkgPath.Join(pkg.Lockfile); err != nil {
				return nil, cherr.Wrap(cherr.InputError, err, "package %d: lockfile %q escapes source_dir", i, pkg.Lockfile)
			}
		}
	}

	return &Request{
		SourceDir: root,
		OutputDir: filepath.Clean(outputDir),
		Packages:  append([]Package(nil), packages...),
		Flags:     flags,
	}, nil
}

// PackagePath returns the Path Guard-confined absolute path for pkg,
// rooted at r.SourceDir.
func (r *Request) PackagePath(pkg Package) (rootedpath.Path, error) {
	return r.SourceDir.Join(pkg.Path)
}

// EngineConfig carries process-wide tunables the original implementation
// loaded once at startup (core/config.py), consumed by resolvers that need
// knobs beyond what a single Request carries.
type EngineConfig struct {
	GoproxyURL            string
	GomodDownloadMaxTries int
	SubprocessTimeoutSecs int
	DefaultEnvironment    map[string]string
}

// DefaultEngineConfig mirrors the original tool's documented defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		GoproxyURL:            "https://proxy.golang.org,direct",
		GomodDownloadMaxTries: 5,
		SubprocessTimeoutSecs: 3600,
		DefaultEnvironment:    map[string]string{},
	}
}

// SubprocessTimeout converts SubprocessTimeoutSecs to a time.Duration,
// falling back to DefaultEngineConfig's value when unset, so every
// resolver that shells out to a native tool (go, cargo, yarn, git) bounds
// that subprocess instead of letting it hang past the total-budget
// contract spec.md §5 requires.
func (e EngineConfig) SubprocessTimeout() time.Duration {
	if e.SubprocessTimeoutSecs <= 0 {
		return time.Duration(DefaultEngineConfig().SubprocessTimeoutSecs) * time.Second
	}
	return time.Duration(e.SubprocessTimeoutSecs) * time.Second
}
