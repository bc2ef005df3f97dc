// Package rpm implements the rpm Resolver, supplemented from
// original_source/cachi2/core/package_managers/rpm/{main,redhat}.py: an
// rpms.lock.yaml lockfile (lockfileVersion 1, lockfileVendor "redhat")
// lists per-architecture RPM/SRPM URLs; each is downloaded into
// <output>/deps/rpm/<arch>/<repoid>/<filename> and NVR/arch are parsed
// straight from the filename rather than shelling out to `rpm -q`,
// since the lockfile entries (unlike a live install) carry no RPM
// header metadata to query. Uses gopkg.in/yaml.v3 like the generic and
// yarnberry resolvers.
package rpm

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

// Resolver implements resolver.Resolver for the rpms.lock.yaml lockfile.
type Resolver struct {
	Fetcher *fetchutil.Fetcher
}

// New creates an rpm Resolver.
func New(f *fetchutil.Fetcher) *Resolver { return &Resolver{Fetcher: f} }

var _ resolver.Resolver = (*Resolver)(nil)

const defaultLockfileName = "rpms.lock.yaml"

type lockfilePackage struct {
	Repoid   string `yaml:"repoid"`
	URL      string `yaml:"url"`
	Checksum string `yaml:"checksum"`
	Size     int64  `yaml:"size"`
}

type lockfileArch struct {
	Arch     string            `yaml:"arch"`
	Packages []lockfilePackage `yaml:"packages"`
	Source   []lockfilePackage `yaml:"source"`
}

type rpmsLock struct {
	LockfileVersion int            `yaml:"lockfileVersion"`
	LockfileVendor  string         `yaml:"lockfileVendor"`
	Arches          []lockfileArch `yaml:"arches"`
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}
	lockName := pkg.Lockfile
	if lockName == "" {
		lockName = defaultLockfileName
	}
	lockPath := lockName
	if !filepath.IsAbs(lockPath) {
		lockPath = filepath.Join(pkgPath.String(), lockName)
	}
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.InputError, err, "RPM lockfile %s missing, refusing to continue", lockPath)
	}
	var lock rpmsLock
	if err := yaml.Unmarshal(data, &lock); err != nil {
		return resolver.Result{}, cherr.Wrap(cherr.LockfileError, err, "parsing %s", lockPath)
	}
	if lock.LockfileVersion != 1 {
		return resolver.Result{}, cherr.New(cherr.LockfileError, "unexpected lockfileVersion %d in %s, expected 1", lock.LockfileVersion, lockPath)
	}
	if lock.LockfileVendor != "redhat" {
		return resolver.Result{}, cherr.New(cherr.LockfileError, "unexpected lockfileVendor %q in %s, expected \"redhat\"", lock.LockfileVendor, lockPath)
	}

	packageDir := filepath.Join(rc.OutputDir, "deps", "rpm")
	var components []sbom.Component

	for archIdx, arch := range lock.Arches {
		if len(arch.Packages) == 0 && len(arch.Source) == 0 {
			return resolver.Result{}, cherr.New(cherr.LockfileError, "arch #%d (%s) has neither packages nor source entries", archIdx, arch.Arch)
		}
		for _, p := range arch.Packages {
			repoid := p.Repoid
			if repoid == "" {
				repoid = fallbackRepoid(archIdx, false)
			}
			c, err := r.fetchOne(ctx, p, arch.Arch, repoid, packageDir, false, lockPath)
			if err != nil {
				return resolver.Result{}, err
			}
			components = append(components, c)
		}
		for _, p := range arch.Source {
			repoid := p.Repoid
			if repoid == "" {
				repoid = fallbackRepoid(archIdx, true)
			}
			c, err := r.fetchOne(ctx, p, arch.Arch, repoid, packageDir, true, lockPath)
			if err != nil {
				return resolver.Result{}, err
			}
			components = append(components, c)
		}
	}

	return resolver.Result{Components: components}, nil
}

func fallbackRepoid(archIdx int, isSource bool) string {
	repoid := fmt.Sprintf("cachi2-%d", archIdx)
	if isSource {
		repoid += "-source"
	}
	return repoid
}

func (r *Resolver) fetchOne(ctx context.Context, p lockfilePackage, arch, repoid, packageDir string, isSource bool, lockPath string) (sbom.Component, error) {
	filename := filepath.Base(p.URL)
	dest := filepath.Join(packageDir, arch, repoid, filename)

	var checksums []fetchutil.Checksum
	if p.Checksum != "" {
		cs, err := parseChecksum(p.Checksum)
		if err != nil {
			return sbom.Component{}, cherr.Wrap(cherr.LockfileError, err, "checksum for %s", p.URL)
		}
		checksums = []fetchutil.Checksum{cs}
	}

	results := r.Fetcher.FetchMany(ctx, []fetchutil.Request{{URL: p.URL, Dest: dest, Checksums: checksums}})
	if err := results[0].Err; err != nil {
		return sbom.Component{}, err
	}

	name, version, release, fileArch := parseNVRA(filename, isSource)
	userRepoid := p.Repoid
	qualifiers := map[string]string{"arch": fileArch}
	if userRepoid != "" {
		qualifiers["repository_id"] = userRepoid
	} else {
		qualifiers["download_url"] = p.URL
	}
	if p.Checksum != "" {
		qualifiers["checksum"] = p.Checksum
	}

	c := sbom.Component{
		Name:    name,
		Version: fmt.Sprintf("%s-%s", version, release),
		Type:    sbom.TypeLibrary,
		Purl:    sbom.NewPurl("rpm", "", name, fmt.Sprintf("%s-%s", version, release), qualifiers, ""),
	}
	if p.Checksum == "" {
		c.AddProperty(sbom.PropMissingHashInFile, lockPath)
	}
	return c, nil
}

func parseChecksum(s string) (fetchutil.Checksum, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fetchutil.Checksum{}, fmt.Errorf("malformed checksum %q, expected alg:hex", s)
	}
	return fetchutil.Checksum{Algorithm: parts[0], Value: parts[1]}, nil
}

// parseNVRA splits an RPM filename "<name>-<version>-<release>.<arch>.rpm"
// into its components. SRPM filenames end in ".src.rpm"; the Red Hat purl
// guideline injects "src" as the arch qualifier for those regardless of
// the string found in the filename.
func parseNVRA(filename string, isSource bool) (name, version, release, arch string) {
	base := strings.TrimSuffix(filename, ".rpm")
	lastDot := strings.LastIndex(base, ".")
	if lastDot >= 0 {
		arch = base[lastDot+1:]
		base = base[:lastDot]
	}
	if isSource {
		arch = "src"
	}
	releaseIdx := strings.LastIndex(base, "-")
	if releaseIdx < 0 {
		return base, "", "", arch
	}
	release = base[releaseIdx+1:]
	rest := base[:releaseIdx]
	versionIdx := strings.LastIndex(rest, "-")
	if versionIdx < 0 {
		return rest, "", release, arch
	}
	version = rest[versionIdx+1:]
	name = rest[:versionIdx]
	return name, version, release, arch
}
