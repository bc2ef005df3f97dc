// Package scm implements the VCS Fetcher: clone a repository at a pinned
// revision and produce a deterministic tarball of the working tree, no
// .git directory included. No go-git dependency appears anywhere in the
// retrieval pack, and the original implementation itself wraps the git
// CLI rather than a native library, so this shells out to git the same
// way the teacher shells out to rsvg-convert in pkg/core/render/convert.go:
// exec.Command with captured stdout/stderr and a clear LookPath check.
package scm

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cachi2-project/cachi2/internal/cherr"
)

// zeroTime is the fixed mtime stamped onto every tar entry so identical
// trees produce byte-identical archives regardless of checkout time.
var zeroTime = time.Unix(0, 0).UTC()

// Request describes a single pinned checkout to fetch.
type Request struct {
	RepoURL  string
	Revision string // full commit sha, tag, or branch; resolved commit must equal this when it looks like a sha
	// Timeout bounds the whole clone-and-checkout subprocess sequence,
	// per EngineConfig.SubprocessTimeout. Zero means no additional bound
	// beyond ctx's own deadline.
	Timeout time.Duration
}

// Fetch clones RepoURL at Revision into a scratch directory under workDir,
// verifies the checked-out commit, and returns a gzipped tar archive of the
// working tree (sorted entries, zeroed mtimes, no .git) plus the resolved
// commit sha.
func Fetch(ctx context.Context, workDir string, req Request) (archive []byte, commit string, err error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, "", cherr.Wrap(cherr.ToolError, err, "git is required to fetch VCS sources")
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cloneDir := filepath.Join(workDir, "cachi2-scm-"+uuid.New().String())
	if err := os.MkdirAll(cloneDir, 0o755); err != nil {
		return nil, "", cherr.Wrap(cherr.FetchError, err, "creating scratch clone directory")
	}
	defer os.RemoveAll(cloneDir)

	if err := cloneAndCheckout(ctx, cloneDir, req); err != nil {
		return nil, "", err
	}

	commit, err = resolvedCommit(ctx, cloneDir)
	if err != nil {
		return nil, "", err
	}
	if looksLikeCommit(req.Revision) && !strings.EqualFold(commit, req.Revision) {
		return nil, "", cherr.New(cherr.FetchError,
			"resolved commit %s does not match declared revision %s for %s", commit, req.Revision, req.RepoURL)
	}

	archive, err = archiveTree(cloneDir)
	if err != nil {
		return nil, "", err
	}
	return archive, commit, nil
}

func cloneAndCheckout(ctx context.Context, dir string, req Request) error {
	if err := runGit(ctx, dir, "init", "--quiet"); err != nil {
		return err
	}
	if err := runGit(ctx, dir, "remote", "add", "origin", req.RepoURL); err != nil {
		return err
	}
	// Shallow fetch of the exact ref first; most hosts advertise the target
	// commit directly, so this succeeds without a full clone.
	if err := runGit(ctx, dir, "fetch", "--quiet", "--depth=1", "origin", req.Revision); err == nil {
		return runGit(ctx, dir, "checkout", "--quiet", "FETCH_HEAD")
	}

	// Fall back to a full fetch for hosts that reject fetching by arbitrary
	// commit sha over a shallow transport.
	if err := runGit(ctx, dir, "fetch", "--quiet", "origin"); err != nil {
		return cherr.Wrap(cherr.FetchError, err, "fetching %s", req.RepoURL)
	}
	if err := runGit(ctx, dir, "checkout", "--quiet", req.Revision); err != nil {
		return cherr.Wrap(cherr.FetchError, err, "checking out %s at %s", req.RepoURL, req.Revision)
	}
	return nil
}

func resolvedCommit(ctx context.Context, dir string) (string, error) {
	out, err := gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", cherr.Wrap(cherr.FetchError, err, "resolving checked-out commit")
	}
	return strings.TrimSpace(out), nil
}

// LocalRepoInfo describes the enclosing git working tree of a path already
// checked out on disk (as opposed to Fetch, which clones one). Used by
// resolvers that discover local-path dependencies (e.g. bundler's PATH
// Gemfile.lock blocks) pinned inside a monorepo's own git history rather
// than fetched separately.
type LocalRepoInfo struct {
	Origin  string
	Head    string
	Subpath string // dir's path relative to the repo's top level, "" if dir is the top level
}

// InspectLocalRepo finds the git repository enclosing dir and reports its
// origin remote, current HEAD commit, and dir's subpath within it. dir must
// already be a checked-out working tree; no network access is performed.
// timeout bounds the underlying git subprocesses, per
// EngineConfig.SubprocessTimeout; zero means no additional bound beyond
// ctx's own deadline.
func InspectLocalRepo(ctx context.Context, dir string, timeout time.Duration) (LocalRepoInfo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return LocalRepoInfo{}, cherr.Wrap(cherr.ToolError, err, "git is required to inspect a local repository")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	topLevel, err := gitOutput(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return LocalRepoInfo{}, cherr.Wrap(cherr.InputError, err, "resolving git repository root for %s", dir)
	}
	topLevel = strings.TrimSpace(topLevel)

	origin, err := gitOutput(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return LocalRepoInfo{}, cherr.Wrap(cherr.InputError, err, "resolving origin remote for %s", dir)
	}

	head, err := resolvedCommit(ctx, dir)
	if err != nil {
		return LocalRepoInfo{}, err
	}

	subpath, err := filepath.Rel(topLevel, dir)
	if err != nil {
		return LocalRepoInfo{}, cherr.Wrap(cherr.InputError, err, "computing subpath of %s within %s", dir, topLevel)
	}
	if subpath == "." {
		subpath = ""
	}

	return LocalRepoInfo{Origin: strings.TrimSpace(origin), Head: head, Subpath: subpath}, nil
}

func looksLikeCommit(revision string) bool {
	if len(revision) < 7 || len(revision) > 40 {
		return false
	}
	for _, r := range revision {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

func runGit(ctx context.Context, dir string, args ...string) error {
	_, err := gitOutput(ctx, dir, args...)
	return err
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return out.String(), nil
}

// archiveTree produces a deterministic gzipped tarball of dir, excluding
// .git, with entries sorted by path and mtimes zeroed so repeated fetches
// of the same commit are byte-identical.
func archiveTree(dir string) ([]byte, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, cherr.Wrap(cherr.FetchError, err, "walking checked-out tree %s", dir)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, rel := range paths {
		full := filepath.Join(dir, rel)
		info, err := os.Lstat(full)
		if err != nil {
			return nil, cherr.Wrap(cherr.FetchError, err, "stat %s", rel)
		}
		if err := writeTarEntry(tw, full, rel, info); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, cherr.Wrap(cherr.FetchError, err, "closing tar writer")
	}
	if err := gz.Close(); err != nil {
		return nil, cherr.Wrap(cherr.FetchError, err, "closing gzip writer")
	}
	return buf.Bytes(), nil
}

// ExtractTarGz unpacks a gzipped tarball produced by Fetch into destDir,
// used by resolvers (bundler's GIT blocks) that need an unpacked working
// tree on disk rather than the raw archive bytes.
func ExtractTarGz(archive []byte, destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return cherr.Wrap(cherr.FetchError, err, "opening archive for extraction")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return cherr.Wrap(cherr.FetchError, err, "reading tar entry")
		}
		target := filepath.Join(destDir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return cherr.Wrap(cherr.FetchError, err, "creating %s", target)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return cherr.Wrap(cherr.FetchError, err, "creating %s", filepath.Dir(target))
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return cherr.Wrap(cherr.FetchError, err, "creating symlink %s", target)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return cherr.Wrap(cherr.FetchError, err, "creating %s", filepath.Dir(target))
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return cherr.Wrap(cherr.FetchError, err, "creating %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return cherr.Wrap(cherr.FetchError, err, "writing %s", target)
			}
			f.Close()
		}
	}
}

func writeTarEntry(tw *tar.Writer, fullPath, relPath string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		var err error
		link, err = os.Readlink(fullPath)
		if err != nil {
			return cherr.Wrap(cherr.FetchError, err, "reading symlink %s", relPath)
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return cherr.Wrap(cherr.FetchError, err, "building tar header for %s", relPath)
	}
	hdr.Name = filepath.ToSlash(relPath)
	if info.IsDir() {
		hdr.Name += "/"
	}
	hdr.ModTime = zeroTime
	hdr.AccessTime = zeroTime
	hdr.ChangeTime = zeroTime
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""

	if err := tw.WriteHeader(hdr); err != nil {
		return cherr.Wrap(cherr.FetchError, err, "writing tar header for %s", relPath)
	}
	if info.Mode().IsRegular() {
		f, err := os.Open(fullPath)
		if err != nil {
			return cherr.Wrap(cherr.FetchError, err, "opening %s", relPath)
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return cherr.Wrap(cherr.FetchError, err, "writing %s into archive", relPath)
		}
	}
	return nil
}
