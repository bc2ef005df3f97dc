package bundler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleLock = `GIT
  remote: https://github.com/x/y
  revision: abcdef0123456789abcdef0123456789abcdef01
  specs:
    y (1.0.0)

GEM
  remote: https://rubygems.org/
  specs:
    rake (13.0.6)
    nokogiri (1.13.0-x86_64-linux)

PLATFORMS
  ruby

DEPENDENCIES
  nokogiri
  rake
  y!

BUNDLED WITH
   2.3.7
`

func TestParseGemfileLockParsesGemAndGitBlocks(t *testing.T) {
	lf, err := parseGemfileLock([]byte(sampleLock))
	if err != nil {
		t.Fatal(err)
	}
	if len(lf.gitSources) != 1 || lf.gitSources[0].remote != "https://github.com/x/y" {
		t.Fatalf("unexpected git sources: %+v", lf.gitSources)
	}
	if lf.gitSources[0].revision != "abcdef0123456789abcdef0123456789abcdef01" {
		t.Fatalf("unexpected revision: %q", lf.gitSources[0].revision)
	}
	if len(lf.gitSources[0].gems) != 1 || lf.gitSources[0].gems[0].name != "y" {
		t.Fatalf("unexpected git gems: %+v", lf.gitSources[0].gems)
	}

	if len(lf.gemSources) != 1 || lf.gemSources[0].remote != "https://rubygems.org/" {
		t.Fatalf("unexpected gem sources: %+v", lf.gemSources)
	}
	if len(lf.gemSources[0].gems) != 2 {
		t.Fatalf("expected 2 gems, got %d", len(lf.gemSources[0].gems))
	}
}

const pathLock = `PATH
  remote: ../my-local-gem
  specs:
    my-local-gem (0.1.0)

GEM
  remote: https://rubygems.org/
  specs:
    rake (13.0.6)

PLATFORMS
  ruby

DEPENDENCIES
  my-local-gem!
  rake
`

func TestParseGemfileLockParsesPathBlock(t *testing.T) {
	lf, err := parseGemfileLock([]byte(pathLock))
	if err != nil {
		t.Fatal(err)
	}
	if len(lf.pathSources) != 1 || lf.pathSources[0].remote != "../my-local-gem" {
		t.Fatalf("unexpected path sources: %+v", lf.pathSources)
	}
	if len(lf.pathSources[0].gems) != 1 || lf.pathSources[0].gems[0].name != "my-local-gem" {
		t.Fatalf("unexpected path gems: %+v", lf.pathSources[0].gems)
	}
	if len(lf.gemSources) != 1 || len(lf.gemSources[0].gems) != 1 {
		t.Fatalf("PATH block bled into the following GEM block: %+v", lf.gemSources)
	}
}

func TestParseGemSpecLineExtractsPlatform(t *testing.T) {
	spec, ok := parseGemSpecLine("    nokogiri (1.13.0-x86_64-linux)")
	if !ok {
		t.Fatal("expected spec line to parse")
	}
	if spec.name != "nokogiri" || spec.version != "1.13.0" || spec.platform != "x86_64-linux" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestParseGemSpecLineWithoutPlatform(t *testing.T) {
	spec, ok := parseGemSpecLine("    rake (13.0.6)")
	if !ok {
		t.Fatal("expected spec line to parse")
	}
	if spec.platform != "" {
		t.Fatalf("expected no platform, got %q", spec.platform)
	}
}

func TestBundleEnvKeyUppercasesAndReplacesDashes(t *testing.T) {
	if bundleEnvKey("my-gem") != "MY_GEM" {
		t.Fatalf("got %q", bundleEnvKey("my-gem"))
	}
}

func TestRepoBasenameStripsGitSuffix(t *testing.T) {
	if repoBasename("https://github.com/x/y.git") != "y" {
		t.Fatalf("got %q", repoBasename("https://github.com/x/y.git"))
	}
}

func TestWriteBundlerConfigOrdersLocalPathsDeterministically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	gitLocalPaths := map[string]string{
		"ZEBRA_GEM": "/zebra",
		"ALPHA_GEM": "/alpha",
		"MID_GEM":   "/mid",
	}
	if err := writeBundlerConfig(path, filepath.Join(dir, "cache"), gitLocalPaths); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	alpha := strings.Index(string(data), "BUNDLE_LOCAL__ALPHA_GEM")
	mid := strings.Index(string(data), "BUNDLE_LOCAL__MID_GEM")
	zebra := strings.Index(string(data), "BUNDLE_LOCAL__ZEBRA_GEM")
	if alpha < 0 || mid < 0 || zebra < 0 {
		t.Fatalf("expected all three BUNDLE_LOCAL__ keys in config, got %q", data)
	}
	if !(alpha < mid && mid < zebra) {
		t.Fatalf("expected BUNDLE_LOCAL__* keys in sorted order, got %q", data)
	}
}
