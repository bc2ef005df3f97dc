// Package yarnclassic implements the yarn Classic Resolver (spec.md
// §4.9): drives the yarn v1 CLI against an offline mirror directory and
// parses yarn.lock directly for SBOM emission, grounded on the same
// os/exec-subprocess pattern internal/resolver/gomod uses to drive `go`.
package yarnclassic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// Resolver implements resolver.Resolver for yarn Classic (v1) packages.
type Resolver struct{}

// New creates a yarn Classic Resolver.
func New() *Resolver { return &Resolver{} }

var _ resolver.Resolver = (*Resolver)(nil)

// lockEntry is one `name@range[, name@range...]:` block of yarn.lock.
type lockEntry struct {
	specs    []string
	version  string
	resolved string
	integ    string
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	lockPath := filepath.Join(pkgPath.String(), "yarn.lock")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading %s", lockPath)
	}
	if !isClassicHeader(data) {
		return resolver.Result{}, cherr.New(cherr.UnsupportedFeature, "%s is not a yarn Classic (v1) lockfile", lockPath)
	}

	entries, err := parseYarnLockV1(data)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing %s", lockPath)
	}

	if err := detectPnP(pkgPath.String()); err != nil {
		return resolver.Result{}, err
	}

	mirrorDir := filepath.Join(rc.OutputDir, "deps", "yarn-classic")
	if err := os.MkdirAll(mirrorDir, 0o755); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.FetchError, err, "creating %s", mirrorDir)
	}

	var components []sbom.Component
	for _, e := range entries {
		if err := checkAllowedProtocol(e.resolved); err != nil {
			return resolver.Result{}, err
		}
		name := specName(e.specs[0])
		c := sbom.Component{
			Name:    name,
			Version: e.version,
			Type:    sbom.TypeLibrary,
			Purl:    sbom.NewPurl("npm", purlNamespace(name), purlLocalName(name), e.version, nil, ""),
		}
		if e.integ != "" {
			c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-classic")
		}
		components = append(components, c)
	}

	if err := r.runYarn(ctx, pkgPath.String(), mirrorDir, rc.Engine.SubprocessTimeout()); err != nil {
		return resolver.Result{}, err
	}

	env := classicEnv(mirrorDir, rc.OutputDir)
	return resolver.Result{Components: components, Env: env}, nil
}

func isClassicHeader(data []byte) bool {
	s := string(data)
	if strings.Contains(s, "__metadata:") {
		return false // Berry lockfile
	}
	return strings.Contains(s, "# yarn lockfile v1")
}

func detectPnP(pkgDir string) error {
	for _, candidate := range []string{".pnp.js", ".pnp.cjs"} {
		if _, err := os.Stat(filepath.Join(pkgDir, candidate)); err == nil {
			return cherr.New(cherr.UnsupportedFeature, "yarn Plug'n'Play is not supported (%s present)", candidate)
		}
	}
	return nil
}

var allowedResolvedPrefixes = []string{
	"https://registry.yarnpkg.com/",
	"https://registry.npmjs.org/",
}

func checkAllowedProtocol(resolved string) error {
	if resolved == "" {
		return nil
	}
	for _, prefix := range allowedResolvedPrefixes {
		if strings.HasPrefix(resolved, prefix) {
			return nil
		}
	}
	if strings.Contains(resolved, "codeload.github.com") || strings.HasPrefix(resolved, "git") || strings.Contains(resolved, "#") && strings.Contains(resolved, "commit=") {
		return cherr.New(cherr.UnsupportedFeature, "yarn Classic git/github/exec resolved entries are not supported: %s", resolved)
	}
	return nil
}

func specName(spec string) string {
	if strings.HasPrefix(spec, "@") {
		idx := strings.Index(spec[1:], "@")
		if idx < 0 {
			return spec
		}
		return spec[:idx+1]
	}
	idx := strings.Index(spec, "@")
	if idx < 0 {
		return spec
	}
	return spec[:idx]
}

func purlNamespace(name string) string {
	if !strings.HasPrefix(name, "@") {
		return ""
	}
	idx := strings.Index(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

func purlLocalName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return name
	}
	idx := strings.Index(name, "/")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

// parseYarnLockV1 is a line-oriented parser for the (intentionally
// non-YAML) yarn.lock v1 grammar: two-space indented blocks keyed by a
// comma-separated spec header ending in ":".
func parseYarnLockV1(data []byte) ([]lockEntry, error) {
	var entries []lockEntry
	var cur *lockEntry

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		switch {
		case !strings.HasPrefix(line, " ") && strings.HasSuffix(trimmed, ":"):
			if cur != nil {
				entries = append(entries, *cur)
			}
			header := strings.TrimSuffix(trimmed, ":")
			specs := splitSpecs(header)
			cur = &lockEntry{specs: specs}
		case cur != nil && strings.HasPrefix(trimmed, "version "):
			cur.version = unquote(strings.TrimPrefix(trimmed, "version "))
		case cur != nil && strings.HasPrefix(trimmed, "resolved "):
			cur.resolved = unquote(strings.TrimPrefix(trimmed, "resolved "))
		case cur != nil && strings.HasPrefix(trimmed, "integrity "):
			cur.integ = unquote(strings.TrimPrefix(trimmed, "integrity "))
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func splitSpecs(header string) []string {
	var out []string
	for _, part := range strings.Split(header, ",") {
		out = append(out, unquote(strings.TrimSpace(part)))
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
	}
	return s
}

func (r *Resolver) runYarn(ctx context.Context, dir, mirrorDir string, timeout time.Duration) error {
	if _, err := exec.LookPath("yarn"); err != nil {
		return cherr.New(cherr.ToolError, "yarn is required to resolve yarn Classic packages: %v", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	args := []string{"install", "--no-default-rc", "--frozen-lockfile", "--disable-pnp", "--ignore-engines"}
	cmd := exec.CommandContext(ctx, "yarn", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("YARN_YARN_OFFLINE_MIRROR=%s", mirrorDir),
		"YARN_YARN_OFFLINE_MIRROR_PRUNING=false",
		"YARN_IGNORE_PATH=true",
		"YARN_IGNORE_SCRIPTS=true",
		"COREPACK_ENABLE_PROJECT_SPEC=0",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return cherr.New(cherr.ToolError, "yarn install failed: %s", boundStderr(stderr.String()))
	}
	return nil
}

func boundStderr(s string) string {
	const max = 4096
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}

func classicEnv(mirrorDir, outputDir string) []resolver.EnvVar {
	return []resolver.EnvVar{
		{Name: "YARN_YARN_OFFLINE_MIRROR", Value: mirrorDir, Kind: resolver.EnvPath},
		{Name: "YARN_YARN_OFFLINE_MIRROR_PRUNING", Value: "false", Kind: resolver.EnvLiteral},
		{Name: "YARN_IGNORE_PATH", Value: "true", Kind: resolver.EnvLiteral},
		{Name: "YARN_IGNORE_SCRIPTS", Value: "true", Kind: resolver.EnvLiteral},
		{Name: "YARN_GLOBAL_FOLDER", Value: filepath.Join(outputDir, "deps", "yarn"), Kind: resolver.EnvPath},
		{Name: "YARN_ENABLE_GLOBAL_CACHE", Value: "false", Kind: resolver.EnvLiteral},
		{Name: "YARN_ENABLE_MIRROR", Value: "true", Kind: resolver.EnvLiteral},
		{Name: "YARN_ENABLE_IMMUTABLE_CACHE", Value: "false", Kind: resolver.EnvLiteral},
	}
}
