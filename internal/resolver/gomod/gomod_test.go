package gomod

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/mod/modfile"

	"github.com/cachi2-project/cachi2/internal/sbom"
)

func TestSelectToolchainFloorsAtMajorMinor(t *testing.T) {
	mf, err := modfile.Parse("go.mod", []byte("module example.com/m\n\ngo 1.22.3\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	toolchain, err := selectToolchain(mf)
	if err != nil {
		t.Fatal(err)
	}
	if toolchain != "go1.22.0+auto" {
		t.Fatalf("got %q", toolchain)
	}
}

func TestSelectToolchainBelow121UsesLocal(t *testing.T) {
	mf, err := modfile.Parse("go.mod", []byte("module example.com/m\n\ngo 1.18\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	toolchain, err := selectToolchain(mf)
	if err != nil {
		t.Fatal(err)
	}
	if toolchain != "local" {
		t.Fatalf("got %q", toolchain)
	}
}

func TestParseVendorModulesTxt(t *testing.T) {
	dir := t.TempDir()
	content := "# github.com/pkg/errors v0.9.1\n## explicit\npackage github.com/pkg/errors\n# golang.org/x/sys v0.1.0 => golang.org/x/sys v0.1.0\n"
	path := filepath.Join(dir, "modules.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	mods, err := parseVendorModulesTxt(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(mods) != 1 || mods[0].Path != "github.com/pkg/errors" {
		t.Fatalf("unexpected modules: %+v", mods)
	}
}

func TestCheckMissingGoSumFlagsAbsentEntries(t *testing.T) {
	dir := t.TempDir()
	sum := "github.com/pkg/errors v0.9.1 h1:abc=\ngithub.com/pkg/errors v0.9.1/go.mod h1:def=\n"
	if err := os.WriteFile(filepath.Join(dir, "go.sum"), []byte(sum), 0o644); err != nil {
		t.Fatal(err)
	}

	components := []sbom.Component{
		{Name: "github.com/pkg/errors", Version: "v0.9.1"},
		{Name: "golang.org/x/sys", Version: "v0.1.0"},
	}
	if err := checkMissingGoSum(dir, components); err != nil {
		t.Fatal(err)
	}
	if components[0].HasProperty(sbom.PropMissingHashInFile, "go.sum") {
		t.Error("present module should not be flagged missing")
	}
	if !components[1].HasProperty(sbom.PropMissingHashInFile, "go.sum") {
		t.Error("absent module should be flagged missing")
	}
}

func TestDiffTreesIdentical(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(a, "modules.txt"), []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b, "modules.txt"), []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	if diff := diffTrees(a, b); diff != "" {
		t.Fatalf("expected no diff, got %q", diff)
	}
}

func TestDiffTreesDetectsContentDivergence(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(a, "github.com/pkg/errors"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(b, "github.com/pkg/errors"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(a, "github.com/pkg/errors/errors.go"), []byte("package errors // v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(b, "github.com/pkg/errors/errors.go"), []byte("package errors // v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff := diffTrees(a, b)
	if diff == "" {
		t.Fatal("expected a divergence to be reported")
	}
	if !strings.Contains(diff, "content differs") {
		t.Errorf("diff = %q, want it to name the content divergence", diff)
	}
}

func TestDiffTreesDetectsExtraFile(t *testing.T) {
	a, b := t.TempDir(), t.TempDir()
	if err := os.WriteFile(filepath.Join(a, "extra.go"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff := diffTrees(a, b)
	if !strings.Contains(diff, "only in generated") {
		t.Errorf("diff = %q, want it to flag the extra generated file", diff)
	}
}

func TestCheckWorkspaceNoGoWorkFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	components, err := checkWorkspace(context.Background(), dir, nil, false, 0, 0)
	if err != nil {
		t.Fatalf("checkWorkspace() error = %v, want nil when go.work is absent", err)
	}
	if components != nil {
		t.Fatalf("expected no components, got %+v", components)
	}
}

func TestBuildSBOMSkipsMainModule(t *testing.T) {
	modules := []goModule{
		{Path: "example.com/m", Main: true},
		{Path: "github.com/pkg/errors", Version: "v0.9.1"},
	}
	components := buildSBOM(modules, nil)
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d", len(components))
	}
	if components[0].Name != "github.com/pkg/errors" {
		t.Fatalf("unexpected component: %+v", components[0])
	}
}

func TestBuildEnvSelectsModFlagFromVendored(t *testing.T) {
	vendored := buildEnv("/cache", "local", false, "", true)
	if vendored["GOFLAGS"] != "-mod=vendor" {
		t.Fatalf("vendored GOFLAGS = %q, want -mod=vendor", vendored["GOFLAGS"])
	}
	downloaded := buildEnv("/cache", "local", false, "", false)
	if downloaded["GOFLAGS"] != "-mod=mod" {
		t.Fatalf("downloaded GOFLAGS = %q, want -mod=mod", downloaded["GOFLAGS"])
	}
}

func TestBuildEnvSetsGoproxyWhenGiven(t *testing.T) {
	env := buildEnv("/cache", "local", false, "https://proxy.golang.org,direct", false)
	if env["GOPROXY"] != "https://proxy.golang.org,direct" {
		t.Fatalf("GOPROXY = %q", env["GOPROXY"])
	}
	unset := buildEnv("/cache", "local", false, "", false)
	if _, ok := unset["GOPROXY"]; ok {
		t.Fatalf("expected no GOPROXY override when goproxy is empty, got %q", unset["GOPROXY"])
	}
}

// fakeGoScript writes an executable named "go" under dir/bin that fails
// failCount times (exit 1) before succeeding with a minimal `go mod
// download -json` empty stream, recording one line to callLog per
// invocation.
func fakeGoScript(t *testing.T, dir string, failCount int, callLog string) string {
	t.Helper()
	binDir := filepath.Join(dir, "bin")
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\n" +
		"echo called >> " + callLog + "\n" +
		"n=$(wc -l < " + callLog + ")\n" +
		"if [ \"$n\" -le " + strconv.Itoa(failCount) + " ]; then\n" +
		"  echo synthetic failure 1>&2\n" +
		"  exit 1\n" +
		"fi\n" +
		"exit 0\n"
	path := filepath.Join(binDir, "go")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return binDir
}

func TestRunGoModDownloadRetriesUntilSuccess(t *testing.T) {
	dir := t.TempDir()
	callLog := filepath.Join(dir, "calls.log")
	if err := os.WriteFile(callLog, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	binDir := fakeGoScript(t, dir, 2, callLog)
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err := runGoModDownload(context.Background(), dir, nil, 0, 5)
	if err != nil {
		t.Fatalf("runGoModDownload() error = %v, want nil after retries succeed", err)
	}
	data, err := os.ReadFile(callLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "called"); got != 3 {
		t.Fatalf("go was invoked %d times, want 3 (2 failures + 1 success)", got)
	}
}

func TestRunGoModDownloadGivesUpAfterMaxTries(t *testing.T) {
	dir := t.TempDir()
	callLog := filepath.Join(dir, "calls.log")
	if err := os.WriteFile(callLog, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	binDir := fakeGoScript(t, dir, 10, callLog)
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err := runGoModDownload(context.Background(), dir, nil, 0, 2)
	if err == nil {
		t.Fatal("runGoModDownload() error = nil, want failure after exhausting retries")
	}
	data, err := os.ReadFile(callLog)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(string(data), "called"); got != 2 {
		t.Fatalf("go was invoked %d times, want 2 (maxTries)", got)
	}
}
