package cargo

import (
	"strings"
	"testing"

	"github.com/cachi2-project/cachi2/internal/sbom"
)

func TestBuildSBOMEmitsRegistryChecksum(t *testing.T) {
	packages := []lockPackage{
		{Name: "serde", Version: "1.0.0", Source: "registry+https://github.com/rust-lang/crates.io-index", Checksum: "abc123"},
	}
	components := buildSBOM(packages)
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(components))
	}
	if !strings.Contains(components[0].Purl, "checksum=sha256%3Aabc123") && !strings.Contains(components[0].Purl, "checksum=sha256:abc123") {
		t.Fatalf("expected checksum qualifier in purl, got %q", components[0].Purl)
	}
}

func TestBuildSBOMEmitsGitVcsURL(t *testing.T) {
	packages := []lockPackage{
		{Name: "foo", Version: "0.1.0", Source: "git+https://github.com/foo/bar#abcdef1234567890"},
	}
	components := buildSBOM(packages)
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(components))
	}
	if !strings.Contains(components[0].Purl, "vcs_url") {
		t.Fatalf("expected vcs_url qualifier in purl, got %q", components[0].Purl)
	}
}

func TestBuildSBOMStampsFoundBy(t *testing.T) {
	packages := []lockPackage{
		{Name: "serde", Version: "1.0.0", Source: "registry+https://github.com/rust-lang/crates.io-index", Checksum: "abc123"},
		{Name: "foo", Version: "0.1.0", Source: "git+https://github.com/foo/bar#abcdef1234567890"},
		{Name: "root", Version: "0.0.0", Source: ""},
	}
	for _, c := range buildSBOM(packages) {
		if !c.HasProperty(sbom.PropFoundBy, "cachi2:cargo") {
			t.Fatalf("component %q missing cachi2:found_by=cachi2:cargo", c.Name)
		}
	}
}

func TestBuildSBOMEmitsRootPathPackageOnce(t *testing.T) {
	packages := []lockPackage{
		{Name: "my-workspace-crate", Version: "0.1.0", Source: ""},
		{Name: "other-path-crate", Version: "0.1.0", Source: ""},
	}
	components := buildSBOM(packages)
	if len(components) != 1 {
		t.Fatalf("expected exactly 1 root path component, got %d", len(components))
	}
	if components[0].Name != "my-workspace-crate" {
		t.Fatalf("expected first path package to be kept, got %q", components[0].Name)
	}
}

func TestSplitGitSourceExtractsCommit(t *testing.T) {
	url, commit := splitGitSource("git+https://github.com/foo/bar#abcdef1234567890")
	if url != "https://github.com/foo/bar" || commit != "abcdef1234567890" {
		t.Fatalf("got url=%q commit=%q", url, commit)
	}
}

func TestBuildConfigBlockRewritesDirectory(t *testing.T) {
	stdout := "[source.crates-io]\nreplace-with = \"vendored-sources\"\n\n[source.vendored-sources]\ndirectory = \"/abs/out/deps/cargo/vendor\"\n"
	block := buildConfigBlock(stdout, "/abs/out/deps/cargo/vendor")
	if !strings.Contains(block, `directory = "{cachi2-output}/deps/cargo/vendor"`) {
		t.Fatalf("expected placeholder rewrite, got %q", block)
	}
}
