// Package pip implements the pip Resolver (spec.md §4.7): parses
// requirements files written in the documented pinned syntax and
// materializes every requirement into <output>/deps/pip so that
// `PIP_FIND_LINKS` + `PIP_NO_INDEX=true` makes `pip install` work
// offline. Grounded on the teacher's fetcher-plus-registry-client shape
// (pkg/deps uses a Fetcher interface per ecosystem); PyPI's Simple index
// is just another Fetcher target here, reached through internal/fetchutil.
package pip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/fetchutil"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
	"github.com/cachi2-project/cachi2/internal/scm"
)

// Resolver implements resolver.Resolver for pip packages.
type Resolver struct {
	Fetcher   *fetchutil.Fetcher
	IndexBase string // defaults to https://pypi.org/simple
}

// New creates a pip Resolver.
func New(f *fetchutil.Fetcher) *Resolver {
	return &Resolver{Fetcher: f, IndexBase: "https://pypi.org/simple"}
}

var _ resolver.Resolver = (*Resolver)(nil)

type requirement struct {
	line     string
	name     string
	version  string
	url      string
	fragment string // #sha256=...
	vcs      string // e.g. "git"
	vcsRepo  string
	vcsRef   string
}

var (
	pinnedRe   = regexp.MustCompile(`^([A-Za-z0-9._-]+)==([A-Za-z0-9._!+-]+)$`)
	directRe   = regexp.MustCompile(`^([A-Za-z0-9._-]+)\s*@\s*(\S+)$`)
	vcsRe      = regexp.MustCompile(`^(git|hg|svn|bzr)\+(https?://[^#]+)@([0-9a-fA-F]{7,40})$`)
	fragHashRe = regexp.MustCompile(`#sha256=([0-9a-fA-F]{64})`)
	hashFlagRe = regexp.MustCompile(`--hash[= ](\S+)`)
)

// resolved is the outcome of fetching one requirement, carrying enough
// information for Resolve to build the project-file edit.
type resolved struct {
	component sbom.Component
	fetchReq  *fetchutil.Request // nil when already fetched (e.g. VCS)
	destPath  string             // absolute path to the fetched artifact
}

func (r *Resolver) Resolve(ctx context.Context, rc resolver.Context, pkg reqmodel.Package) (resolver.Result, error) {
	pkgPath, err := rc.Request.PackagePath(pkg)
	if err != nil {
		return resolver.Result{}, err
	}

	files := pkg.RequirementsFiles
	if len(files) == 0 {
		files = []string{"requirements.txt"}
	}

	outDir := filepath.Join(rc.OutputDir, "deps", "pip")

	var result resolver.Result
	for _, rf := range files {
		reqPath, err := pkgPath.Join(rf)
		if err != nil {
			return resolver.Result{}, err
		}
		reqs, err := parseRequirementsFile(reqPath.String())
		if err != nil {
			return resolver.Result{}, err
		}

		var edits []requirementEdit
		for _, req := range reqs {
			res, err := r.resolveOne(ctx, req, outDir, rc.Engine.SubprocessTimeout())
			if err != nil {
				return resolver.Result{}, err
			}
			if res.fetchReq != nil {
				fetched := r.Fetcher.FetchMany(ctx, []fetchutil.Request{*res.fetchReq})
				if fetched[0].Err != nil {
					return resolver.Result{}, fetched[0].Err
				}
			}
			result.Components = append(result.Components, res.component)
			if req.vcs != "" || req.url != "" {
				edits = append(edits, requirementEdit{line: req.line, destPath: res.destPath})
			}
		}
		if len(edits) > 0 {
			result.Edits = append(result.Edits, buildFileEdit(filepath.Join(pkg.Path, rf), rc.OutputDir, edits))
		}
	}

	result.Env = []resolver.EnvVar{
		{Name: "PIP_FIND_LINKS", Value: outDir, Kind: resolver.EnvPath},
		{Name: "PIP_NO_INDEX", Value: "true", Kind: resolver.EnvLiteral},
	}
	return result, nil
}

func parseRequirementsFile(path string) ([]requirement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "reading requirements file %s", path)
	}

	var out []requirement
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "--index-url") || strings.HasPrefix(line, "--extra-index-url") {
			return nil, cherr.New(cherr.InputError, "requirements file %s uses a disallowed index option: %q", path, line)
		}
		if strings.HasPrefix(line, "-e ") || strings.HasPrefix(line, "--editable") {
			return nil, cherr.New(cherr.InputError, "requirements file %s uses an unsupported editable install: %q", path, line)
		}
		req, err := parseRequirementLine(line)
		if err != nil {
			var cerr *cherr.Error
			if errors.As(err, &cerr) {
				return nil, cerr
			}
			return nil, cherr.Wrap(cherr.LockfileError, err, "requirements file %s, line %q", path, line)
		}
		out = append(out, req)
	}
	return out, nil
}

func parseRequirementLine(line string) (requirement, error) {
	if fm, hm := fragHashRe.FindStringSubmatch(line), hashFlagRe.FindStringSubmatch(line); fm != nil && hm != nil {
		return requirement{}, cherr.New(cherr.LockfileError,
			"requirement line declares conflicting hashes: url fragment sha256=%s vs --hash=%s", fm[1], hm[1])
	}
	if m := pinnedRe.FindStringSubmatch(line); m != nil {
		return requirement{line: line, name: canonicalName(m[1]), version: m[2]}, nil
	}
	if m := directRe.FindStringSubmatch(line); m != nil {
		name, target := canonicalName(m[1]), m[2]
		if vm := vcsRe.FindStringSubmatch(target); vm != nil {
			return requirement{line: line, name: name, vcs: vm[1], vcsRepo: vm[2], vcsRef: vm[3]}, nil
		}
		urlPart, fragment := target, ""
		if i := strings.Index(target, "#"); i >= 0 {
			urlPart, fragment = target[:i], target[i+1:]
		}
		if !strings.HasPrefix(urlPart, "https://") {
			return requirement{}, fmt.Errorf("direct URL requirement must use https")
		}
		return requirement{line: line, name: name, url: urlPart, fragment: fragment}, nil
	}
	return requirement{}, fmt.Errorf("requirement is not pinned with ==, a checksummed URL, or a full-commit VCS reference")
}

// canonicalName implements PEP 503 normalization.
func canonicalName(name string) string {
	re := regexp.MustCompile(`[-_.]+`)
	return strings.ToLower(re.ReplaceAllString(name, "-"))
}

func (r *Resolver) resolveOne(ctx context.Context, req requirement, outDir string, timeout time.Duration) (resolved, error) {
	switch {
	case req.vcs != "":
		return r.resolveVCS(ctx, req, outDir, timeout)
	case req.url != "":
		return r.resolveDirectURL(req, outDir)
	default:
		return r.resolvePyPI(ctx, req, outDir)
	}
}

type simpleIndexResponse struct {
	Files []struct {
		URL    string            `json:"url"`
		Hashes map[string]string `json:"hashes"`
	} `json:"files"`
}

func (r *Resolver) resolvePyPI(ctx context.Context, req requirement, outDir string) (resolved, error) {
	indexURL := fmt.Sprintf("%s/%s/", strings.TrimRight(r.IndexBase, "/"), req.name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, nil)
	if err != nil {
		return resolved{}, cherr.Wrap(cherr.FetchError, err, "building index request for %s", req.name)
	}
	httpReq.Header.Set("Accept", "application/vnd.pypi.simple.v1+json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return resolved{}, cherr.Wrap(cherr.FetchError, err, "querying index for %s", req.name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resolved{}, cherr.New(cherr.FetchError, "index for %s returned status %d", req.name, resp.StatusCode)
	}

	var index simpleIndexResponse
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return resolved{}, cherr.Wrap(cherr.FetchError, err, "decoding index response for %s", req.name)
	}

	var fileURL, filename, sha256 string
	for _, f := range index.Files {
		if !strings.Contains(f.URL, "-"+req.version+".tar.gz") && !strings.Contains(f.URL, "-"+req.version+".zip") {
			continue
		}
		if strings.HasSuffix(f.URL, ".whl") {
			continue
		}
		fileURL = f.URL
		filename = filepath.Base(strings.SplitN(f.URL, "#", 2)[0])
		sha256 = f.Hashes["sha256"]
		break
	}
	if fileURL == "" {
		return resolved{}, cherr.New(cherr.FetchError, "no sdist found for %s==%s on %s", req.name, req.version, indexURL)
	}

	dest := filepath.Join(outDir, filename)
	c := sbom.Component{
		Name:    req.name,
		Version: req.version,
		Purl:    sbom.NewPurl("pypi", "", req.name, req.version, nil, ""),
		Type:    sbom.TypeLibrary,
	}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	return resolved{
		component: c,
		fetchReq:  &fetchutil.Request{URL: fileURL, Dest: dest, Checksums: []fetchutil.Checksum{{Algorithm: "sha256", Value: sha256}}},
		destPath:  dest,
	}, nil
}

func (r *Resolver) resolveDirectURL(req requirement, outDir string) (resolved, error) {
	filename := filepath.Base(req.url)
	dest := filepath.Join(outDir, filename)

	var checksums []fetchutil.Checksum
	missing := true
	if strings.HasPrefix(req.fragment, "sha256=") {
		checksums = []fetchutil.Checksum{{Algorithm: "sha256", Value: strings.TrimPrefix(req.fragment, "sha256=")}}
		missing = false
	}

	version := versionFromFilename(filename)
	qualifiers := map[string]string{"download_url": req.url}
	if len(checksums) > 0 {
		qualifiers["checksum"] = checksums[0].String()
	}
	c := sbom.Component{
		Name:    req.name,
		Version: version,
		Purl:    sbom.NewPurl("pypi", "", req.name, version, qualifiers, ""),
		Type:    sbom.TypeLibrary,
	}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	if missing {
		c.AddProperty(sbom.PropMissingHashInFile, "requirements.txt")
	}
	return resolved{
		component: c,
		fetchReq:  &fetchutil.Request{URL: req.url, Dest: dest, Checksums: checksums},
		destPath:  dest,
	}, nil
}

func (r *Resolver) resolveVCS(ctx context.Context, req requirement, outDir string, timeout time.Duration) (resolved, error) {
	u, err := url.Parse(req.vcsRepo)
	if err != nil {
		return resolved{}, cherr.Wrap(cherr.InputError, err, "parsing VCS url %s", req.vcsRepo)
	}
	host := u.Host
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	namespace, name := "", req.name
	if len(parts) >= 2 {
		namespace = strings.Join(parts[:len(parts)-1], "/")
		name = strings.TrimSuffix(parts[len(parts)-1], ".git")
	}

	archive, commit, err := scm.Fetch(ctx, outDir, scm.Request{RepoURL: req.vcsRepo, Revision: req.vcsRef, Timeout: timeout})
	if err != nil {
		return resolved{}, err
	}

	destDir := filepath.Join(outDir, host, namespace, name)
	filename := fmt.Sprintf("%s-external-gitcommit-%s.tar.gz", req.name, commit)
	dest := filepath.Join(destDir, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return resolved{}, cherr.Wrap(cherr.FetchError, err, "creating %s", destDir)
	}
	if err := os.WriteFile(dest, archive, 0o644); err != nil {
		return resolved{}, cherr.Wrap(cherr.FetchError, err, "writing %s", dest)
	}

	qualifiers := map[string]string{"vcs_url": fmt.Sprintf("git+%s@%s", req.vcsRepo, commit)}
	c := sbom.Component{
		Name:    req.name,
		Version: commit,
		Purl:    sbom.NewPurl("pypi", "", req.name, commit, qualifiers, ""),
		Type:    sbom.TypeLibrary,
	}
	c.AddProperty(sbom.PropFoundBy, "cachi2:pip")
	return resolved{component: c, destPath: dest}, nil
}

func versionFromFilename(filename string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(filename, ".tar.gz"), ".zip")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return base
	}
	return base[idx+1:]
}

type requirementEdit struct {
	line     string
	destPath string
}

// buildFileEdit rewrites every non-PyPI requirement line so its
// right-hand side becomes file:///<absolute output path>/..., per
// spec.md §4.7. When Apply receives a non-empty forOutputDir, each
// destination's path relative to outputDir is joined onto forOutputDir
// instead.
func buildFileEdit(path, outputDir string, edits []requirementEdit) resolver.FileEdit {
	return resolver.FileEdit{
		Path: path,
		Apply: func(content []byte, forOutputDir string) ([]byte, error) {
			text := string(content)
			for _, e := range edits {
				dest := e.destPath
				if forOutputDir != "" {
					if rel, err := filepath.Rel(outputDir, e.destPath); err == nil {
						dest = filepath.Join(forOutputDir, rel)
					}
				}
				newLine := fmt.Sprintf("%s @ file://%s", strings.SplitN(e.line, "@", 2)[0], dest)
				text = strings.ReplaceAll(text, e.line, strings.TrimSpace(newLine))
			}
			return []byte(text), nil
		},
	}
}
