// Package bundler implements the bundler Resolver (spec.md §4.11):
// parses Gemfile.lock directly without running `bundle install`, fetches
// each GEM entry as a .gem archive and each GIT entry through
// internal/scm, and writes a bundler config surfaced via
// BUNDLE_APP_CONFIG so the build never touches the user's .bundle/config.
package bundler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
	"github.com/cachi2-project/cachi2/internal/scm"
)

// Resolver implements resolver.Resolver for bundler (RubyGems) packages.
type Resolver struct {
	Fetcher *fetchutil.Fetcher
}

// New creates a bundler Resolver.
func New(f *fetchutil.Fetcher) *Resolver { return &Resolver{Fetcher: f} }

var _ resolver.Resolver = (*Resolver)(nil)

type gemSpec struct {
	name, version, platform string
}

type gitSource struct {
	remote, revision string
	gems             []gemSpec
}

type gemSource struct {
	remote string
	gems   []gemSpec
}

// pathSource is a Gemfile.lock PATH block: a gem vendored as a local
// directory rather than fetched. remote is relative to the directory
// containing Gemfile.lock.
type pathSource struct {
	remote string
	gems   []gemSpec
}

type lockfile struct {
	gemSources  []gemSource
	gitSources  []gitSource
	pathSources []pathSource
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	lockPath := filepath.Join(pkgPath.String(), "Gemfile.lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading %s", lockPath)
	}
	lf, err := parseGemfileLock(data)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing %s", lockPath)
	}

	cacheDir := filepath.Join(rc.OutputDir, "deps", "bundler", "vendor", "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.FetchError, err, "creating %s", cacheDir)
	}

	var components []sbom.Component
	gitLocalPaths := map[string]string{} // UPCASE_NAME -> absolute cache path

	for _, src := range lf.gemSources {
		for _, g := range src.gems {
			if g.platform != "" && !rc.Request.Flags.AllowBinary {
				continue
			}
			dest := filepath.Join(cacheDir, fmt.Sprintf("%s-%s.gem", g.name, g.version))
			url := fmt.Sprintf("%s/gems/%s-%s.gem", strings.TrimSuffix(src.remote, "/"), g.name, g.version)
			results := r.Fetcher.FetchMany(ctx, []fetchutil.Request{{URL: url, Dest: dest}})
			if err := results[0].Err; err != nil {
				return resolver.Result{}, err
			}
			c := sbom.Component{
				Name: g.name, Version: g.version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("gem", "", g.name, g.version, nil, ""),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
			components = append(components, c)
		}
	}

	for _, src := range lf.gitSources {
		archive, commit, err := scm.Fetch(ctx, cacheDir, scm.Request{RepoURL: src.remote, Revision: src.revision, Timeout: rc.Engine.SubprocessTimeout()})
		if err != nil {
			return resolver.Result{}, err
		}
		shortCommit := commit
		if len(shortCommit) > 12 {
			shortCommit = shortCommit[:12]
		}
		base := repoBasename(src.remote)
		destDir := filepath.Join(cacheDir, fmt.Sprintf("%s-%s", base, shortCommit))
		if err := extractTarGz(archive, destDir); err != nil {
			return resolver.Result{}, err
		}
		for _, g := range src.gems {
			qualifiers := map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", src.remote, commit)}
			c := sbom.Component{
				Name: g.name, Version: g.version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("gem", "", g.name, g.version, qualifiers, ""),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
			components = append(components, c)
			gitLocalPaths[bundleEnvKey(g.name)] = destDir
		}
	}

	for _, src := range lf.pathSources {
		localDir, err := pkgPath.Join(src.remote)
		if err != nil {
			return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "PATH gem source %q escapes the source tree", src.remote)
		}
		if _, err := os.Stat(localDir.String()); err != nil {
			return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "PATH gem source directory %s", localDir.String())
		}
		info, err := scm.InspectLocalRepo(ctx, localDir.String(), rc.Engine.SubprocessTimeout())
		if err != nil {
			return resolver.Result{}, err
		}
		vcsURL := fmt.Sprintf("git+%s@%s", info.Origin, info.Head)
		for _, g := range src.gems {
			c := sbom.Component{
				Name: g.name, Version: g.version, Type: sbom.TypeLibrary,
				Purl: sbom.NewPurl("gem", "", g.name, g.version, map[string]string{"vcs_url": vcsURL}, info.Subpath),
			}
			c.AddProperty(sbom.PropFoundBy, "cachi2:bundler")
			components = append(components, c)
			gitLocalPaths[bundleEnvKey(g.name)] = localDir.String()
		}
	}

	configPath := filepath.Join(rc.OutputDir, "deps", "bundler", "config")
	if err := writeBundlerConfig(configPath, cacheDir, gitLocalPaths); err != nil {
		return resolver.Result{}, err
	}

	env := []resolver.EnvVar{
		{Name: "BUNDLE_APP_CONFIG", Value: filepath.Join(rc.OutputDir, "deps", "bundler"), Kind: resolver.EnvPath},
	}

	return resolver.Result{Components: components, Env: env}, nil
}

func repoBasename(remote string) string {
	base := filepath.Base(strings.TrimSuffix(remote, "/"))
	return strings.TrimSuffix(base, ".git")
}

func bundleEnvKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// parseGemfileLock is a line-oriented parser for Gemfile.lock's
// deliberately non-YAML block grammar: top-level "GEM"/"GIT" headers,
// "  remote: "/"  revision: " metadata lines, and "    name (version)"
// or "    name (version-platform)" specs nested under "  specs:".
func parseGemfileLock(data []byte) (lockfile, error) {
	var lf lockfile
	scanner := bufio.NewScanner(bytes.NewReader(data))

	var curGem *gemSource
	var curGit *gitSource
	var curPath *pathSource
	inSpecs := false

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "GEM":
			lf.gemSources = append(lf.gemSources, gemSource{})
			curGem = &lf.gemSources[len(lf.gemSources)-1]
			curGit, curPath, inSpecs = nil, nil, false
		case line == "GIT":
			lf.gitSources = append(lf.gitSources, gitSource{})
			curGit = &lf.gitSources[len(lf.gitSources)-1]
			curGem, curPath, inSpecs = nil, nil, false
		case line == "PATH":
			lf.pathSources = append(lf.pathSources, pathSource{})
			curPath = &lf.pathSources[len(lf.pathSources)-1]
			curGem, curGit, inSpecs = nil, nil, false
		case line == "PLATFORMS" || line == "DEPENDENCIES" || line == "BUNDLED WITH":
			curGem, curGit, curPath, inSpecs = nil, nil, nil, false
		case strings.HasPrefix(line, "  remote: "):
			remote := strings.TrimPrefix(line, "  remote: ")
			switch {
			case curGem != nil:
				curGem.remote = remote
			case curGit != nil:
				curGit.remote = remote
			case curPath != nil:
				curPath.remote = remote
			}
		case strings.HasPrefix(line, "  revision: "):
			if curGit != nil {
				curGit.revision = strings.TrimPrefix(line, "  revision: ")
			}
		case strings.TrimSpace(line) == "specs:":
			inSpecs = true
		case inSpecs && strings.HasPrefix(line, "    ") && !strings.HasPrefix(line, "      "):
			spec, ok := parseGemSpecLine(line)
			if !ok {
				continue
			}
			switch {
			case curGem != nil:
				curGem.gems = append(curGem.gems, spec)
			case curGit != nil:
				curGit.gems = append(curGit.gems, spec)
			case curPath != nil:
				curPath.gems = append(curPath.gems, spec)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return lockfile{}, err
	}
	return lf, nil
}

func parseGemSpecLine(line string) (gemSpec, bool) {
	trimmed := strings.TrimSpace(line)
	open := strings.Index(trimmed, "(")
	close := strings.LastIndex(trimmed, ")")
	if open < 0 || close < open {
		return gemSpec{}, false
	}
	name := strings.TrimSpace(trimmed[:open])
	versionPlatform := trimmed[open+1 : close]
	version := versionPlatform
	platform := ""
	if idx := strings.Index(versionPlatform, "-"); idx > 0 {
		version = versionPlatform[:idx]
		platform = versionPlatform[idx+1:]
	}
	return gemSpec{name: name, version: version, platform: platform}, true
}

func extractTarGz(archive []byte, destDir string) error {
	return scm.ExtractTarGz(archive, destDir)
}

func writeBundlerConfig(path, cacheDir string, gitLocalPaths map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return cherr.Wrap(cherr.FetchError, err, "creating %s", filepath.Dir(path))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "BUNDLE_CACHE_PATH: %q\n", cacheDir)
	fmt.Fprintf(&b, "BUNDLE_DEPLOYMENT: \"true\"\n")
	fmt.Fprintf(&b, "BUNDLE_NO_PRUNE: \"true\"\n")
	fmt.Fprintf(&b, "BUNDLE_ALLOW_OFFLINE_INSTALL: \"true\"\n")
	fmt.Fprintf(&b, "BUNDLE_DISABLE_VERSION_CHECK: \"true\"\n")
	names := make([]string, 0, len(gitLocalPaths))
	for name := range gitLocalPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "BUNDLE_LOCAL__%s: %q\n", name, gitLocalPaths[name])
	}
	if len(gitLocalPaths) > 0 {
		fmt.Fprintf(&b, "BUNDLE_DISABLE_LOCAL_BRANCH_CHECK: \"true\"\n")
		fmt.Fprintf(&b, "BUNDLE_DISABLE_LOCAL_REVISION_CHECK: \"true\"\n")
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
