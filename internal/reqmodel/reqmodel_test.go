package reqmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cachi2-project/cachi2/internal/cherr"
)

func TestNewValidatesPackagePaths(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "services/api"), 0o755); err != nil {
		t.Fatal(err)
	}
	out := t.TempDir()

	req, err := New(src, out, []Package{{Kind: KindGomod, Path: "services/api"}}, Flags{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(req.Packages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(req.Packages))
	}
}

func TestNewRejectsPathEscapingSourceDir(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()

	_, err := New(src, out, []Package{{Kind: KindPip, Path: "../outside"}}, Flags{})
	if !cherr.Is(err, cherr.InputError) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()

	_, err := New(src, out, []Package{{Kind: "cocoapods", Path: "."}}, Flags{})
	if !cherr.Is(err, cherr.InputError) {
		t.Fatalf("expected InputError for unknown kind, got %v", err)
	}
}

func TestNewRejectsRequirementsFilesOnNonPip(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()

	_, err := New(src, out, []Package{{
		Kind:              KindNpm,
		Path:              ".",
		RequirementsFiles: []string{"requirements.txt"},
	}}, Flags{})
	if !cherr.Is(err, cherr.InputError) {
		t.Fatalf("expected InputError, got %v", err)
	}
}

func TestNewRequiresAtLeastOnePackage(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()

	if _, err := New(src, out, nil, Flags{}); !cherr.Is(err, cherr.InputError) {
		t.Fatalf("expected InputError for empty package list, got %v", err)
	}
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	if cfg.GomodDownloadMaxTries <= 0 {
		t.Fatal("expected a positive default retry count")
	}
	if cfg.GoproxyURL == "" {
		t.Fatal("expected a default GOPROXY value")
	}
}
