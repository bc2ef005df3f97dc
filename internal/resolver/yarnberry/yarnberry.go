// Package yarnberry implements the yarn Berry Resolver (spec.md §4.9):
// validates .yarnrc.yml, refuses Zero-Install repositories, drives
// `yarn install --mode=skip-build`, and parses `yarn info --all
// --recursive --cache --json` for SBOM emission. Grounded on the same
// subprocess-plus-streamed-JSON pattern internal/resolver/gomod uses for
// `go list -json`, with gopkg.in/yaml.v3 decoding .yarnrc.yml the way
// the teacher's pack uses it for other YAML configs.
package yarnberry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/rootedpath"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// Resolver implements resolver.Resolver for yarn Berry packages.
type Resolver struct{}

// New creates a yarn Berry Resolver.
func New() *Resolver { return &Resolver{} }

var _ resolver.Resolver = (*Resolver)(nil)

type yarnrc struct {
	PnpMode          string         `yaml:"pnpMode"`
	CacheFolder      string         `yaml:"cacheFolder"`
	GlobalFolder     string         `yaml:"globalFolder"`
	VirtualFolder    string         `yaml:"virtualFolder"`
	InstallStatePath string         `yaml:"installStatePath"`
	PlugIns          []any          `yaml:"plugins"`
	YarnPath         string         `yaml:"yarnPath"`
	Extra            map[string]any `yaml:",inline"`
}

type infoLine struct {
	Value string `json:"value"`
	Children struct {
		Version  string `json:"Version"`
		Cache    struct {
			Path     string `json:"Path"`
			Checksum string `json:"Checksum"`
		} `json:"Cache"`
	} `json:"children"`
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	dir := pkgPath.String()

	data, err := os.ReadFile(filepath.Join(dir, "yarn.lock"))
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading yarn.lock")
	}
	if !strings.Contains(string(data), "__metadata:") {
		return resolver.Result{}, cherr.New(cherr.UnsupportedFeature, "yarn.lock at %s is not a Berry lockfile", dir)
	}

	if err := r.validateYarnrc(dir, rc.Request.SourceDir); err != nil {
		return resolver.Result{}, err
	}
	if err := detectZeroInstall(dir); err != nil {
		return resolver.Result{}, err
	}

	cacheDir := filepath.Join(rc.OutputDir, "deps", "yarn", "cache")
	globalFolder := filepath.Join(rc.OutputDir, "deps", "yarn")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.FetchError, err, "creating %s", cacheDir)
	}

	timeout := rc.Engine.SubprocessTimeout()
	if err := r.runYarnInstall(ctx, dir, globalFolder, timeout); err != nil {
		return resolver.Result{}, err
	}

	components, err := r.runYarnInfo(ctx, dir, globalFolder, timeout)
	if err != nil {
		return resolver.Result{}, err
	}

	return resolver.Result{Components: components, Env: berryEnv(globalFolder)}, nil
}

// validateYarnrc enforces that every path-valued setting in .yarnrc.yml
// stays inside the source tree and that no non-vendored plugin is
// enabled.
func (r *Resolver) validateYarnrc(dir string, sourceRoot rootedpath.Path) error {
	path := filepath.Join(dir, ".yarnrc.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cherr.Wrap(cherr.InputError, err, "reading .yarnrc.yml")
	}
	var cfg yarnrc
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cherr.Wrap(cherr.LockfileError, err, "parsing .yarnrc.yml")
	}
	for name, value := range map[string]string{
		"cacheFolder":      cfg.CacheFolder,
		"globalFolder":     cfg.GlobalFolder,
		"virtualFolder":    cfg.VirtualFolder,
		"installStatePath": cfg.InstallStatePath,
	} {
		if value == "" {
			continue
		}
		if _, err := sourceRoot.Join(value); err != nil {
			return cherr.New(cherr.InputError, ".yarnrc.yml setting %q escapes the source tree: %s", name, value)
		}
	}
	for _, p := range cfg.PlugIns {
		s := fmt.Sprintf("%v", p)
		if !strings.Contains(s, "plugin-exec") {
			return cherr.New(cherr.UnsupportedFeature, "yarn Berry plugin not permitted: %s", s)
		}
	}
	return nil
}

func detectZeroInstall(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".yarn", "unplugged")); err == nil {
		return cherr.New(cherr.UnsupportedFeature, "yarn Zero-Install repositories are not supported (.yarn/unplugged present)")
	}
	return nil
}

func (r *Resolver) runYarnInstall(ctx context.Context, dir, globalFolder string, timeout time.Duration) error {
	if _, err := exec.LookPath("yarn"); err != nil {
		return cherr.New(cherr.ToolError, "yarn is required to resolve yarn Berry packages: %v", err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "yarn", "install", "--mode=skip-build")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("YARN_GLOBAL_FOLDER=%s", globalFolder))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return cherr.New(cherr.ToolError, "yarn install --mode=skip-build failed: %s", boundStderr(stderr.String()))
	}
	return nil
}

func (r *Resolver) runYarnInfo(ctx context.Context, dir, globalFolder string, timeout time.Duration) ([]sbom.Component, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "yarn", "info", "--all", "--recursive", "--cache", "--json")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), fmt.Sprintf("YARN_GLOBAL_FOLDER=%s", globalFolder))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, cherr.New(cherr.ToolError, "yarn info failed: %s", boundStderr(stderr.String()))
	}
	return parseYarnInfo(stdout.Bytes())
}

// parseYarnInfo decodes the NDJSON stream `yarn info --json` emits, one
// object per line, and classifies each locator per the supported-scheme
// allowlist.
func parseYarnInfo(output []byte) ([]sbom.Component, error) {
	var components []sbom.Component
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec infoLine
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decoding yarn info line: %w", err)
		}
		name, version, ok := parseLocator(rec.Value)
		if !ok {
			continue
		}
		c := sbom.Component{
			Name:    name,
			Version: version,
			Type:    sbom.TypeLibrary,
			Purl:    sbom.NewPurl("npm", berryNamespace(name), berryLocalName(name), version, nil, ""),
		}
		if rec.Children.Cache.Checksum != "" {
			c.AddProperty(sbom.PropFoundBy, "cachi2:yarn-berry")
		}
		components = append(components, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return components, nil
}

var allowedLocatorSchemes = []string{"npm:", "workspace:", "patch:", "file:", "portal:", "link:", "https:"}

// parseLocator extracts name/version from a yarn locator string such as
// "lodash@npm:4.17.21" and rejects exec:/git:/github: schemes outright.
func parseLocator(value string) (name, version string, ok bool) {
	if value == "" {
		return "", "", false
	}
	if strings.HasPrefix(value, "exec:") || strings.HasPrefix(value, "git:") || strings.HasPrefix(value, "github:") {
		return "", "", false
	}
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return "", "", false
	}
	name = value[:at]
	rest := value[at+1:]
	allowed := false
	for _, scheme := range allowedLocatorSchemes {
		if strings.HasPrefix(rest, scheme) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", "", false
	}
	version = strings.TrimPrefix(rest, "npm:")
	return name, version, true
}

func berryNamespace(name string) string {
	if !strings.HasPrefix(name, "@") {
		return ""
	}
	idx := strings.Index(name, "/")
	if idx < 0 {
		return ""
	}
	return name[:idx]
}

func berryLocalName(name string) string {
	if !strings.HasPrefix(name, "@") {
		return name
	}
	idx := strings.Index(name, "/")
	if idx < 0 {
		return name
	}
	return name[idx+1:]
}

func boundStderr(s string) string {
	const max = 4096
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}

func berryEnv(globalFolder string) []resolver.EnvVar {
	return []resolver.EnvVar{
		{Name: "YARN_GLOBAL_FOLDER", Value: globalFolder, Kind: resolver.EnvPath},
		{Name: "YARN_ENABLE_GLOBAL_CACHE", Value: "false", Kind: resolver.EnvLiteral},
		{Name: "YARN_ENABLE_MIRROR", Value: "true", Kind: resolver.EnvLiteral},
		{Name: "YARN_ENABLE_IMMUTABLE_CACHE", Value: "false", Kind: resolver.EnvLiteral},
	}
}
