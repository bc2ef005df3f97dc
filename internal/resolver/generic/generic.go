// Package generic implements the generic Resolver (spec.md §4.12):
// parses artifacts.lock.yaml and downloads each declared artifact,
// either from an explicit download_url or from a URL synthesized per
// Maven repository layout. Uses gopkg.in/yaml.v3 for lockfile decoding,
// the same YAML library internal/resolver/yarnberry uses for .yarnrc.yml.
package generic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// Resolver implements resolver.Resolver for the generic artifact lockfile.
type Resolver struct {
	Fetcher *fetchutil.Fetcher
}

// New creates a generic Resolver.
func New(f *fetchutil.Fetcher) *Resolver { return &Resolver{Fetcher: f} }

var _ resolver.Resolver = (*Resolver)(nil)

type artifactsLock struct {
	Metadata struct {
		Version string `yaml:"version"`
	} `yaml:"metadata"`
	Artifacts []artifact `yaml:"artifacts"`
}

type artifact struct {
	Checksum    string            `yaml:"checksum"`
	DownloadURL string            `yaml:"download_url"`
	Filename    string            `yaml:"filename"`
	Type        string            `yaml:"type"`
	Attributes  map[string]string `yaml:"attributes"`
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	lockName := pkg.Lockfile
	if lockName == "" {
		lockName = "artifacts.lock.yaml"
	}
	lockPath := lockName
	if !filepath.IsAbs(lockPath) {
		lockPath = filepath.Join(pkgPath.String(), lockName)
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "reading %s", lockPath)
	}
	var lf artifactsLock
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing %s", lockPath)
	}
	if lf.Metadata.Version != "1.0" {
		return resolver.Result{}, cherr.New(cherr.UnsupportedFeature, "unsupported artifacts lockfile schema version %q", lf.Metadata.Version)
	}

	outDir := filepath.Join(rc.OutputDir, "deps", "generic")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.FetchError, err, "creating %s", outDir)
	}

	var components []sbom.Component
	seenFilenames := map[string]bool{}

	for i, a := range lf.Artifacts {
		downloadURL, filename, err := resolveArtifactURL(a)
		if err != nil {
			return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "artifact #%d", i)
		}
		if seenFilenames[filename] {
			return resolver.Result{}, cherr.New(cherr.InputError, "filename collision across artifacts: %s", filename)
		}
		seenFilenames[filename] = true

		checksum, err := parseChecksum(a.Checksum)
		if err != nil {
			return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "artifact #%d checksum", i)
		}

		dest := filepath.Join(outDir, filename)
		results := r.Fetcher.FetchMany(ctx, []fetchutil.Request{{URL: downloadURL, Dest: dest, Checksums: []fetchutil.Checksum{checksum}}})
		if err := results[0].Err; err != nil {
			return resolver.Result{}, err
		}

		c := buildComponent(a, filename, downloadURL, checksum)
		components = append(components, c)
	}

	return resolver.Result{Components: components}, nil
}

func resolveArtifactURL(a artifact) (downloadURL, filename string, err error) {
	if a.Type == "maven" {
		return mavenURL(a.Attributes)
	}
	if a.DownloadURL == "" {
		return "", "", fmt.Errorf("artifact has neither download_url nor type: maven")
	}
	filename = a.Filename
	if filename == "" {
		filename = filepath.Base(a.DownloadURL)
	}
	return a.DownloadURL, filename, nil
}

func mavenURL(attrs map[string]string) (downloadURL, filename string, err error) {
	repo := attrs["repository_url"]
	group := attrs["group_id"]
	artifactID := attrs["artifact_id"]
	version := attrs["version"]
	typ := attrs["type"]
	if repo == "" || group == "" || artifactID == "" || version == "" {
		return "", "", fmt.Errorf("maven artifact missing required attributes")
	}
	if typ == "" {
		typ = "jar"
	}
	groupPath := strings.ReplaceAll(group, ".", "/")
	name := artifactID + "-" + version
	if classifier := attrs["classifier"]; classifier != "" {
		name += "-" + classifier
	}
	filename = name + "." + typ
	downloadURL = strings.TrimSuffix(repo, "/") + "/" + groupPath + "/" + artifactID + "/" + version + "/" + filename
	return downloadURL, filename, nil
}

func parseChecksum(s string) (fetchutil.Checksum, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fetchutil.Checksum{}, fmt.Errorf("malformed checksum %q, expected alg:hex", s)
	}
	return fetchutil.Checksum{Algorithm: parts[0], Value: parts[1]}, nil
}

func buildComponent(a artifact, filename, downloadURL string, checksum fetchutil.Checksum) sbom.Component {
	var c sbom.Component
	if a.Type == "maven" {
		group := a.Attributes["group_id"]
		artifactID := a.Attributes["artifact_id"]
		version := a.Attributes["version"]
		typ := a.Attributes["type"]
		if typ == "" {
			typ = "jar"
		}
		qualifiers := map[string]string{
			"type":           typ,
			"repository_url": a.Attributes["repository_url"],
			"checksum":       checksum.String(),
		}
		c = sbom.Component{
			Name: artifactID, Version: version, Type: sbom.TypeFile,
			Purl: sbom.NewPurl("maven", group, artifactID, version, qualifiers, ""),
		}
	} else {
		qualifiers := map[string]string{
			"checksum":     checksum.String(),
			"download_url": downloadURL,
		}
		c = sbom.Component{
			Name: filename, Type: sbom.TypeFile,
			Purl: sbom.NewPurl("generic", "", filename, "", qualifiers, ""),
		}
	}
	c.ExternalRefs = append(c.ExternalRefs, sbom.ExternalRef{Type: "distribution", URL: downloadURL})
	c.AddProperty(sbom.PropFoundBy, "cachi2:generic")
	return c
}
