// Package gomod implements the gomod Resolver (spec.md §4.6): it drives
// the Go toolchain inside an isolated GOPATH/GOMODCACHE/GOCACHE rooted at
// the output tree, then parses `go list -json` output to build a module-
// and-package-level SBOM. Lockfile parsing is grounded on
// golang.org/x/mod/modfile (an indirect dependency of the retrieval
// pack's Keyhole-Koro-InsightifyCore), chosen over hand-rolled go.mod
// parsing because the format has comment directives and replace/exclude
// statements a naive line scanner would mishandle.
package gomod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/mod/modfile"
	"golang.org/x/mod/semver"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// Resolver implements resolver.Resolver for gomod packages.
type Resolver struct{}

// New creates a gomod Resolver.
func New() *Resolver { return &Resolver{} }

var _ resolver.Resolver = (*Resolver)(nil)

func (*Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	modPath := filepath.Join(pkgPath.String(), "go.mod")
	raw, err := os.ReadFile(modPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading go.mod at %s", modPath)
	}
	mf, err := modfile.Parse(modPath, raw, nil)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing go.mod at %s", modPath)
	}

	toolchain, err := selectToolchain(mf)
	if err != nil {
		return resolver.Result{}, err
	}

	cacheRoot := filepath.Join(rc.OutputDir, "deps", "gomod")
	vendorDir := filepath.Join(pkgPath.String(), "vendor")
	vendored := dirHasContent(vendorDir)
	env := buildEnv(cacheRoot, toolchain, rc.Request.Flags.CGODisable, rc.Engine.GoproxyURL, vendored)

	timeout := rc.Engine.SubprocessTimeout()
	maxTries := rc.Engine.GomodDownloadMaxTries

	var components []sbom.Component
	if vendored {
		components, err = resolveVendored(ctx, pkgPath.String(), vendorDir, env, timeout)
	} else {
		components, err = resolveDownloaded(ctx, pkgPath.String(), env, rc.Request.Flags.ForceGomodTidy, timeout, maxTries)
	}
	if err != nil {
		return resolver.Result{}, err
	}

	if err := checkMissingGoSum(pkgPath.String(), components); err != nil {
		return resolver.Result{}, err
	}

	wsComponents, err := checkWorkspace(ctx, pkgPath.String(), env, rc.Request.Flags.ForceGomodTidy, timeout, maxTries)
	if err != nil {
		return resolver.Result{}, err
	}
	components = append(components, wsComponents...)

	return resolver.Result{
		Components: components,
		Env: []resolver.EnvVar{
			{Name: "GOPATH", Value: filepath.Join(cacheRoot), Kind: resolver.EnvPath},
			{Name: "GOMODCACHE", Value: filepath.Join(cacheRoot, "pkg", "mod"), Kind: resolver.EnvPath},
			{Name: "GOCACHE", Value: filepath.Join(cacheRoot, "cache", "build"), Kind: resolver.EnvPath},
			{Name: "GOFLAGS", Value: env["GOFLAGS"], Kind: resolver.EnvLiteral},
			{Name: "GOTOOLCHAIN", Value: toolchain, Kind: resolver.EnvLiteral},
		},
	}, nil
}

// selectToolchain implements spec.md step 1: go >= 1.21 floors at
// <major>.<minor>.0 and allows auto self-upgrade; otherwise use the host
// toolchain unmodified.
func selectToolchain(mf *modfile.File) (string, error) {
	if mf.Go == nil || mf.Go.Version == "" {
		return "local", nil
	}
	version := "v" + mf.Go.Version
	if !semver.IsValid(version) {
		return "", cherr.New(cherr.UnsupportedFeature, "unsupported go directive version %q", mf.Go.Version)
	}
	if semver.Compare(version, "v1.21") < 0 {
		return "local", nil
	}
	major, minor, _ := splitMajorMinor(mf.Go.Version)
	return fmt.Sprintf("go%s.%s.0+auto", major, minor), nil
}

func splitMajorMinor(v string) (major, minor, patch string) {
	parts := strings.SplitN(v, ".", 3)
	major = get(parts, 0)
	minor = get(parts, 1)
	patch = get(parts, 2)
	return
}

func get(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}

// buildEnv sets GOFLAGS to -mod=vendor when vendored is true (spec.md §4.6
// step 2: a vendored build must not let the go tool touch the module
// cache) and -mod=mod otherwise, and sets GOPROXY from goproxy when given
// so the module cache populates from the configured proxy instead of
// falling back to the environment's default.
func buildEnv(cacheRoot, toolchain string, cgoDisable bool, goproxy string, vendored bool) map[string]string {
	modFlag := "-mod=mod"
	if vendored {
		modFlag = "-mod=vendor"
	}
	env := map[string]string{
		"GOPATH":     cacheRoot,
		"GOMODCACHE": filepath.Join(cacheRoot, "pkg", "mod"),
		"GOCACHE":    filepath.Join(cacheRoot, "cache", "build"),
		"GOFLAGS":    modFlag,
		"GOSUMDB":    "sum.golang.org",
	}
	if goproxy != "" {
		env["GOPROXY"] = goproxy
	}
	if toolchain != "local" {
		env["GOTOOLCHAIN"] = toolchain
	}
	if cgoDisable {
		env["CGO_ENABLED"] = "0"
	}
	return env
}

func dirHasContent(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// resolveVendored implements spec.md step 3: run `go mod vendor` in a
// scratch copy and diff-check against the real vendor/. The module cache
// is never populated.
func resolveVendored(ctx context.Context, modDir, vendorDir string, env map[string]string, timeout time.Duration) ([]sbom.Component, error) {
	entries, err := parseVendorModulesTxt(filepath.Join(vendorDir, "modules.txt"))
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp("", "cachi2-gomod-vendor-check-*")
	if err != nil {
		return nil, cherr.Wrap(cherr.ToolError, err, "creating scratch dir for vendor check")
	}
	defer os.RemoveAll(scratch)

	if err := copyTree(modDir, scratch, []string{"vendor"}); err != nil {
		return nil, err
	}
	if _, err := runGo(ctx, scratch, env, timeout, "mod", "vendor"); err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "running go mod vendor to verify vendor/ is in sync")
	}
	if diff := diffTrees(filepath.Join(scratch, "vendor"), vendorDir); diff != "" {
		return nil, cherr.New(cherr.LockfileError, "vendor/ is out of sync with go.mod: %s", diff)
	}

	return vendorComponents(entries), nil
}

type vendoredModule struct {
	Path    string
	Version string
}

func parseVendorModulesTxt(path string) ([]vendoredModule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "reading %s", path)
	}
	var mods []vendoredModule
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "# ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "# "))
		if len(fields) < 2 || strings.Contains(line, "=>") {
			continue
		}
		mods = append(mods, vendoredModule{Path: fields[0], Version: fields[1]})
	}
	return mods, nil
}

func vendorComponents(mods []vendoredModule) []sbom.Component {
	out := make([]sbom.Component, 0, len(mods))
	for _, m := range mods {
		c := sbom.Component{
			Name:    m.Path,
			Version: m.Version,
			Purl:    sbom.NewPurl("golang", "", m.Path, m.Version, nil, ""),
			Type:    sbom.TypeLibrary,
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
		out = append(out, c)
	}
	return out
}

// resolveDownloaded implements spec.md steps 4-5: populate the module
// cache, then enumerate modules and packages via `go list -json`.
func resolveDownloaded(ctx context.Context, modDir string, env map[string]string, forceTidy bool, timeout time.Duration, maxTries int) ([]sbom.Component, error) {
	if _, err := runGoModDownload(ctx, modDir, env, timeout, maxTries); err != nil {
		return nil, cherr.Wrap(cherr.FetchError, err, "go mod download")
	}
	if forceTidy {
		if _, err := runGo(ctx, modDir, env, timeout, "mod", "tidy"); err != nil {
			return nil, cherr.Wrap(cherr.LockfileError, err, "go mod tidy")
		}
	}

	modulesOut, err := runGo(ctx, modDir, env, timeout, "list", "-m", "-json", "all")
	if err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "go list -m -json all")
	}
	modules, err := decodeModules(modulesOut)
	if err != nil {
		return nil, err
	}

	depsOut, err := runGo(ctx, modDir, env, timeout, "list", "-deps", "-json=ImportPath,Module,Standard,Deps", "all")
	if err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "go list -deps -json all")
	}
	packages, err := decodePackages(depsOut)
	if err != nil {
		return nil, err
	}

	return buildSBOM(modules, packages), nil
}

// runGoModDownload retries `go mod download -json` up to maxTries times,
// per EngineConfig.GomodDownloadMaxTries: the module proxy is a network
// dependency and transient failures there shouldn't fail the whole
// resolve. Backoff is linear, capped at 32s, mirroring the ceiling
// internal/fetchutil uses for its own retry policy.
func runGoModDownload(ctx context.Context, modDir string, env map[string]string, timeout time.Duration, maxTries int) ([]byte, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxTries; attempt++ {
		out, err := runGo(ctx, modDir, env, timeout, "mod", "download", "-json")
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == maxTries {
			break
		}
		delay := time.Duration(attempt) * time.Second
		if delay > 32*time.Second {
			delay = 32 * time.Second
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

type goModule struct {
	Path    string
	Version string
	Main    bool
}

type goPackage struct {
	ImportPath string
	Standard   bool
	Module     *goModule
}

func decodeModules(raw []byte) ([]goModule, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []goModule
	for dec.More() {
		var m goModule
		if err := dec.Decode(&m); err != nil {
			return nil, cherr.Wrap(cherr.LockfileError, err, "decoding go list -m -json output")
		}
		out = append(out, m)
	}
	return out, nil
}

func decodePackages(raw []byte) ([]goPackage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var out []goPackage
	for dec.More() {
		var p goPackage
		if err := dec.Decode(&p); err != nil {
			return nil, cherr.Wrap(cherr.LockfileError, err, "decoding go list -deps -json output")
		}
		out = append(out, p)
	}
	return out, nil
}

func buildSBOM(modules []goModule, packages []goPackage) []sbom.Component {
	var out []sbom.Component
	for _, m := range modules {
		if m.Main || m.Version == "" {
			continue
		}
		c := sbom.Component{
			Name:    m.Path,
			Version: m.Version,
			Purl:    sbom.NewPurl("golang", "", m.Path, m.Version, nil, ""),
			Type:    sbom.TypeLibrary,
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
		out = append(out, c)
	}
	for _, p := range packages {
		if p.Standard {
			c := sbom.Component{Name: p.ImportPath, Type: sbom.TypeLibrary, Purl: sbom.NewPurl("golang", "", p.ImportPath, "", nil, "")}
			c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
			out = append(out, c)
			continue
		}
		if p.Module == nil || p.Module.Version == "" {
			continue
		}
		c := sbom.Component{
			Name:    p.ImportPath,
			Version: p.Module.Version,
			Purl:    sbom.NewPurl("golang", "", p.ImportPath, p.Module.Version, nil, ""),
			Type:    sbom.TypeLibrary,
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:gomod")
		out = append(out, c)
	}
	return out
}

// checkMissingGoSum attaches cachi2:missing_hash:in_file to every
// component whose module has no go.sum entry. A package component is
// matched through its import path or any parent of it at the component's
// version; components without a version (standard-library packages) are
// never marked.
func checkMissingGoSum(modDir string, components []sbom.Component) error {
	sumPath := filepath.Join(modDir, "go.sum")
	data, err := os.ReadFile(sumPath)
	if os.IsNotExist(err) {
		for i := range components {
			if components[i].Version != "" {
				components[i].AddProperty(sbom.PropMissingHashInFile, "go.sum")
			}
		}
		return nil
	}
	if err != nil {
		return cherr.Wrap(cherr.LockfileError, err, "reading go.sum")
	}
	have := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			have[fields[0]+"@"+fields[1]] = true
		}
	}
	for i, c := range components {
		if c.Version == "" {
			continue
		}
		covered := false
		for p := c.Name; !covered; {
			covered = have[p+"@"+c.Version] || have[p+"@"+c.Version+"/go.mod"]
			idx := strings.LastIndex(p, "/")
			if idx < 0 {
				break
			}
			p = p[:idx]
		}
		if !covered {
			components[i].AddProperty(sbom.PropMissingHashInFile, "go.sum")
		}
	}
	return nil
}

// goWorkUse mirrors the relevant slice of `go work edit -json`'s output.
type goWorkUse struct {
	DiskPath string
}

type goWork struct {
	Use []goWorkUse
}

// checkWorkspace implements step 6: run `go work edit -json`, then resolve
// every workspace module it names with the same vendored-or-downloaded
// algorithm as steps 1-5, merging their components into the result.
func checkWorkspace(ctx context.Context, dir string, env map[string]string, forceTidy bool, timeout time.Duration, maxTries int) ([]sbom.Component, error) {
	workFile := filepath.Join(dir, "go.work")
	if _, err := os.Stat(workFile); os.IsNotExist(err) {
		return nil, nil
	}
	out, err := runGo(ctx, dir, nil, timeout, "work", "edit", "-json")
	if err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "reading go.work")
	}
	var gw goWork
	if err := json.Unmarshal(out, &gw); err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "decoding go work edit -json output")
	}

	var components []sbom.Component
	for _, use := range gw.Use {
		modDir := use.DiskPath
		if !filepath.IsAbs(modDir) {
			modDir = filepath.Join(dir, modDir)
		}
		if _, err := os.Stat(filepath.Join(modDir, "go.mod")); err != nil {
			continue
		}
		vendorDir := filepath.Join(modDir, "vendor")
		var modComponents []sbom.Component
		if dirHasContent(vendorDir) {
			modComponents, err = resolveVendored(ctx, modDir, vendorDir, env, timeout)
		} else {
			modComponents, err = resolveDownloaded(ctx, modDir, env, forceTidy, timeout, maxTries)
		}
		if err != nil {
			return nil, cherr.Wrap(cherr.LockfileError, err, "resolving workspace module %s", use.DiskPath)
		}
		components = append(components, modComponents...)
	}
	return components, nil
}

// runGo bounds each invocation of the go tool with timeout, per
// EngineConfig.SubprocessTimeout, so a hung `go mod download` or `go list`
// against an unreachable proxy can't stall the resolve past the total
// budget spec.md §5 names.
func runGo(ctx context.Context, dir string, env map[string]string, timeout time.Duration, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(env)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("go %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return out.Bytes(), nil
}

func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	if overrides == nil {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	skip := make(map[string]bool, len(overrides))
	for k := range overrides {
		skip[k+"="] = true
	}
	for _, kv := range base {
		keep := true
		for prefix := range skip {
			if strings.HasPrefix(kv, prefix) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	return out
}

func copyTree(src, dst string, skip []string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		for _, s := range skip {
			if rel == s || strings.HasPrefix(rel, s+string(filepath.Separator)) {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		dest := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(dest, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dest, data, info.Mode())
	})
}

// diffTrees recursively compares two directory trees by relative path and
// file content, reporting every divergence rather than a bare entry count.
func diffTrees(a, b string) string {
	aFiles, err := listTree(a)
	if err != nil {
		return fmt.Sprintf("walking generated vendor tree: %v", err)
	}
	bFiles, err := listTree(b)
	if err != nil {
		return fmt.Sprintf("walking committed vendor tree: %v", err)
	}

	var diffs []string
	for rel, ai := range aFiles {
		bi, ok := bFiles[rel]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("%s: only in generated", rel))
			continue
		}
		if ai.IsDir() != bi.IsDir() {
			diffs = append(diffs, fmt.Sprintf("%s: type differs", rel))
			continue
		}
		if ai.IsDir() {
			continue
		}
		aData, aerr := os.ReadFile(filepath.Join(a, rel))
		bData, berr := os.ReadFile(filepath.Join(b, rel))
		if aerr != nil || berr != nil || !bytes.Equal(aData, bData) {
			diffs = append(diffs, fmt.Sprintf("%s: content differs", rel))
		}
	}
	for rel := range bFiles {
		if _, ok := aFiles[rel]; !ok {
			diffs = append(diffs, fmt.Sprintf("%s: only in committed", rel))
		}
	}
	if len(diffs) == 0 {
		return ""
	}
	sort.Strings(diffs)
	return strings.Join(diffs, "; ")
}

func listTree(root string) (map[string]os.FileInfo, error) {
	files := map[string]os.FileInfo{}
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		files[rel] = info
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
