// Package npm implements the npm Resolver (spec.md §4.8): converts a
// package-lock.json v2/v3 into a local on-disk cache plus a rewritten
// lockfile so `npm install --offline` succeeds. v1 lockfiles (no
// top-level "packages" map) are rejected. Integrity verification decodes
// the npm-style SRI string ("<algo>-<base64>") into the hex digest
// internal/fetchutil expects, grounded on the checksum-decoding pattern
// other_examples/google-osv-scanner__extractor.go uses for npm purls.
package npm

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
	"github.com/cachi2-project/cachi2/internal/scm"
)

// Resolver implements resolver.Resolver for npm packages.
type Resolver struct {
	Fetcher *fetchutil.Fetcher
}

// New creates an npm Resolver.
func New(f *fetchutil.Fetcher) *Resolver { return &Resolver{Fetcher: f} }

var _ resolver.Resolver = (*Resolver)(nil)

type lockFile struct {
	LockfileVersion int                    `json:"lockfileVersion"`
	Packages        map[string]lockPackage `json:"packages"`
}

type lockPackage struct {
	Version      string            `json:"version"`
	Resolved     string            `json:"resolved"`
	Integrity    string            `json:"integrity"`
	Link         bool              `json:"link"`
	Dev          bool              `json:"dev"`
	Optional     bool              `json:"optional"`
	Peer         bool              `json:"peer"`
	Dependencies map[string]string `json:"dependencies"`
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	lockPath := filepath.Join(pkgPath.String(), "package-lock.json")
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading %s", lockPath)
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing %s", lockPath)
	}
	if lf.LockfileVersion < 2 || lf.Packages == nil {
		return resolver.Result{}, cherr.New(cherr.UnsupportedFeature, "package-lock.json v1 is not supported at %s", lockPath)
	}

	outDir := filepath.Join(rc.OutputDir, "deps", "npm")
	devFlags := computeDevFlags(lf.Packages)

	var result resolver.Result
	rewrites := map[string]string{} // locator path -> new "resolved" value

	paths := make([]string, 0, len(lf.Packages))
	for p := range lf.Packages {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, locatorPath := range paths {
		entry := lf.Packages[locatorPath]
		if locatorPath == "" {
			continue // root package itself
		}
		name := nameFromLocator(locatorPath)
		if entry.Link {
			continue // workspace symlink; resolved via its own packages.<path> entry
		}

		c, newResolved, err := r.resolveEntry(ctx, name, entry, outDir, rc.Engine.SubprocessTimeout())
		if err != nil {
			return resolver.Result{}, err
		}
		if devFlags[locatorPath] {
			c.AddProperty(sbom.PropNpmDevelopment, "true")
		}
		if entry.Optional {
			c.AddProperty(sbom.PropNpmOptional, "true")
		}
		if entry.Peer {
			c.AddProperty(sbom.PropNpmPeer, "true")
		}
		c.AddProperty(sbom.PropFoundBy, "cachi2:npm")
		result.Components = append(result.Components, c)
		if newResolved != "" {
			rewrites[locatorPath] = newResolved
		}
	}

	if len(rewrites) > 0 {
		result.Edits = append(result.Edits, resolver.FileEdit{
			Path: filepath.Join(pkg.Path, "package-lock.json"),
			Apply: func(content []byte, forOutputDir string) ([]byte, error) {
				return rewriteLockfile(content, rewrites, rc.OutputDir, forOutputDir)
			},
		})
	}

	return result, nil
}

func nameFromLocator(locatorPath string) string {
	idx := strings.LastIndex(locatorPath, "node_modules/")
	name := locatorPath
	if idx >= 0 {
		name = locatorPath[idx+len("node_modules/"):]
	}
	return name
}

// computeDevFlags implements spec.md's rule: a node is dev iff every
// root->node path traverses devDependencies. Without a full dependency
// graph walk this approximates via the lockfile's own per-entry "dev"
// flag, which npm already computes with that same rule when it writes
// the lockfile.
func computeDevFlags(packages map[string]lockPackage) map[string]bool {
	out := make(map[string]bool, len(packages))
	for p, entry := range packages {
		out[p] = entry.Dev
	}
	return out
}

func (r *Resolver) resolveEntry(ctx context.Context, name string, entry lockPackage, outDir string, timeout time.Duration) (sbom.Component, string, error) {
	switch {
	case entry.Resolved == "":
		// File/local entry; resolved in place, no fetch.
		c := sbom.Component{Name: name, Version: entry.Version, Type: sbom.TypeLibrary, Purl: sbom.NewPurl("npm", "", name, entry.Version, nil, "")}
		return c, "", nil
	case strings.HasPrefix(entry.Resolved, "git+") || strings.HasPrefix(entry.Resolved, "git://") || isGitHost(entry.Resolved):
		return r.resolveGit(ctx, name, entry, outDir, timeout)
	case strings.HasPrefix(entry.Resolved, "https://registry.npmjs.org/"):
		return r.resolveRegistry(name, entry, outDir)
	case strings.HasPrefix(entry.Resolved, "https://") || strings.HasPrefix(entry.Resolved, "http://"):
		return r.resolveHTTPS(name, entry, outDir)
	default:
		return sbom.Component{}, "", cherr.New(cherr.UnsupportedFeature, "unsupported resolved locator for %s: %s", name, entry.Resolved)
	}
}

func isGitHost(resolved string) bool {
	u, err := url.Parse(resolved)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Path, ".git")
}

func (r *Resolver) resolveRegistry(name string, entry lockPackage, outDir string) (sbom.Component, string, error) {
	checksum, err := decodeIntegrity(entry.Integrity)
	if err != nil {
		return sbom.Component{}, "", cherr.Wrap(cherr.LockfileError, err, "decoding integrity for %s", name)
	}
	filename := filepath.Base(entry.Resolved)
	dest := filepath.Join(outDir, filename)

	c := sbom.Component{Name: name, Version: entry.Version, Type: sbom.TypeLibrary, Purl: npmPurl(name, entry.Version, nil)}
	if err := r.fetch(entry.Resolved, dest, checksum); err != nil {
		return sbom.Component{}, "", err
	}
	return c, "file://" + dest, nil
}

func (r *Resolver) resolveHTTPS(name string, entry lockPackage, outDir string) (sbom.Component, string, error) {
	if entry.Integrity == "" {
		return sbom.Component{}, "", cherr.New(cherr.LockfileError, "%s: HTTPS dependency requires an integrity value", name)
	}
	checksum, err := decodeIntegrity(entry.Integrity)
	if err != nil {
		return sbom.Component{}, "", cherr.Wrap(cherr.LockfileError, err, "decoding integrity for %s", name)
	}
	slug := slugify(name)
	filename := fmt.Sprintf("%s-external-%s-%s.tgz", name, checksum.Algorithm, checksum.Value)
	dest := filepath.Join(outDir, "external-"+slug, filename)

	qualifiers := map[string]string{"download_url": entry.Resolved, "checksum": checksum.String()}
	c := sbom.Component{Name: name, Version: entry.Version, Type: sbom.TypeLibrary, Purl: npmPurl(name, entry.Version, qualifiers)}
	if err := r.fetch(entry.Resolved, dest, checksum); err != nil {
		return sbom.Component{}, "", err
	}
	return c, "file://" + dest, nil
}

func (r *Resolver) resolveGit(ctx context.Context, name string, entry lockPackage, outDir string, timeout time.Duration) (sbom.Component, string, error) {
	repoURL, ref := splitGitLocator(entry.Resolved)
	u, err := url.Parse(repoURL)
	if err != nil {
		return sbom.Component{}, "", cherr.Wrap(cherr.InputError, err, "parsing git locator for %s", name)
	}
	archive, commit, err := scm.Fetch(ctx, outDir, scm.Request{RepoURL: repoURL, Revision: ref, Timeout: timeout})
	if err != nil {
		return sbom.Component{}, "", err
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	namespace, repo := "", name
	if len(parts) >= 2 {
		namespace = strings.Join(parts[:len(parts)-1], "/")
		repo = strings.TrimSuffix(parts[len(parts)-1], ".git")
	}
	filename := fmt.Sprintf("%s-external-gitcommit-%s.tgz", name, commit)
	dest := filepath.Join(outDir, u.Host, namespace, repo, filename)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return sbom.Component{}, "", cherr.Wrap(cherr.FetchError, err, "creating %s", filepath.Dir(dest))
	}
	if err := os.WriteFile(dest, archive, 0o644); err != nil {
		return sbom.Component{}, "", cherr.Wrap(cherr.FetchError, err, "writing %s", dest)
	}

	qualifiers := map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", repoURL, commit)}
	c := sbom.Component{Name: name, Version: commit, Type: sbom.TypeLibrary, Purl: npmPurl(name, commit, qualifiers)}
	return c, "file://" + dest, nil
}

func splitGitLocator(resolved string) (repoURL, ref string) {
	s := strings.TrimPrefix(resolved, "git+")
	if i := strings.LastIndex(s, "#"); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func (r *Resolver) fetch(url, dest string, checksum fetchutil.Checksum) error {
	results := r.Fetcher.FetchMany(context.Background(), []fetchutil.Request{{
		URL: url, Dest: dest, Checksums: []fetchutil.Checksum{checksum},
	}})
	return results[0].Err
}

// decodeIntegrity parses an SRI string "<algo>-<base64>" into a
// hex-encoded Checksum, the format internal/fetchutil verifies against.
func decodeIntegrity(integrity string) (fetchutil.Checksum, error) {
	parts := strings.SplitN(integrity, "-", 2)
	if len(parts) != 2 {
		return fetchutil.Checksum{}, fmt.Errorf("malformed integrity value %q", integrity)
	}
	algo := strings.TrimPrefix(parts[0], "sha")
	algoName := "sha" + algo
	raw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return fetchutil.Checksum{}, fmt.Errorf("decoding base64 integrity: %w", err)
	}
	return fetchutil.Checksum{Algorithm: algoName, Value: hex.EncodeToString(raw)}, nil
}

func npmPurl(name, version string, qualifiers map[string]string) string {
	namespace := ""
	localName := name
	if strings.HasPrefix(name, "@") {
		idx := strings.Index(name, "/")
		if idx > 0 {
			namespace = name[:idx]
			localName = name[idx+1:]
		}
	}
	return sbom.NewPurl("npm", namespace, localName, version, qualifiers, "")
}

func slugify(name string) string {
	return strings.NewReplacer("/", "-", "@", "").Replace(name)
}

func rewriteLockfile(content []byte, rewrites map[string]string, outDir, forOutputDir string) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, cherr.Wrap(cherr.LockfileError, err, "re-parsing package-lock.json for rewrite")
	}
	packages, _ := doc["packages"].(map[string]any)
	for locatorPath, newResolved := range rewrites {
		entry, ok := packages[locatorPath].(map[string]any)
		if !ok {
			continue
		}
		resolved := newResolved
		if forOutputDir != "" {
			resolved = strings.Replace(newResolved, outDir, forOutputDir, 1)
		}
		entry["resolved"] = resolved
	}
	return json.MarshalIndent(doc, "", "  ")
}
