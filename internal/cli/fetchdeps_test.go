package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
)

// TestRenderEditsRelativeToSourceDir exercises E2: a VCS pip requirement
// produces a FileEdit whose Path is relative to source_dir (e.g.
// "requirements.txt" for a package rooted at source_dir itself), which
// renderEdits must resolve against source_dir without rootedpath
// rejecting it as an absolute component.
func TestRenderEditsRelativeToSourceDir(t *testing.T) {
	sourceDir := t.TempDir()
	target := filepath.Join(sourceDir, "requirements.txt")
	if err := os.WriteFile(target, []byte("osbs-client @ git+https://example.com/x@deadbeef\n"), 0o644); err != nil {
		t.Fatalf("seeding requirements.txt: %v", err)
	}

	req, err := reqmodel.New(sourceDir, t.TempDir(), []reqmodel.Package{{Kind: reqmodel.KindPip, Path: "."}}, reqmodel.Flags{})
	if err != nil {
		t.Fatalf("reqmodel.New() error = %v", err)
	}

	edit := resolver.FileEdit{
		Path: "requirements.txt",
		Apply: func(content []byte, forOutputDir string) ([]byte, error) {
			return []byte("rewritten"), nil
		},
	}

	stored, err := renderEdits(req, []resolver.FileEdit{edit})
	if err != nil {
		t.Fatalf("renderEdits() error = %v, want nil (E2 must not abort before writing anything)", err)
	}
	if len(stored) != 1 || stored[0].Content != "rewritten" {
		t.Fatalf("stored = %+v, want one edit with rewritten content", stored)
	}
	if stored[0].Path != target {
		t.Errorf("stored path = %q, want %q", stored[0].Path, target)
	}
}

// TestRenderEditsNestedPackagePath covers a package at a subdirectory of
// source_dir, mirroring npm/cargo FileEdit.Path values, which join the
// package path onto the file name so they stay relative to source_dir.
func TestRenderEditsNestedPackagePath(t *testing.T) {
	sourceDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(sourceDir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	target := filepath.Join(sourceDir, "sub", "package-lock.json")
	if err := os.WriteFile(target, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seeding package-lock.json: %v", err)
	}

	req, err := reqmodel.New(sourceDir, t.TempDir(), []reqmodel.Package{{Kind: reqmodel.KindNpm, Path: "sub"}}, reqmodel.Flags{})
	if err != nil {
		t.Fatalf("reqmodel.New() error = %v", err)
	}

	edit := resolver.FileEdit{
		Path: filepath.Join("sub", "package-lock.json"),
		Apply: func(content []byte, forOutputDir string) ([]byte, error) {
			return content, nil
		},
	}

	stored, err := renderEdits(req, []resolver.FileEdit{edit})
	if err != nil {
		t.Fatalf("renderEdits() error = %v", err)
	}
	if stored[0].Path != target {
		t.Errorf("stored path = %q, want %q", stored[0].Path, target)
	}
}

// TestRenderEditsMissingOriginalFile covers a resolver (cargo) that
// synthesizes a brand-new project file rather than rewriting an existing
// one; renderEdits must not treat "file does not exist yet" as fatal.
func TestRenderEditsMissingOriginalFile(t *testing.T) {
	sourceDir := t.TempDir()
	req, err := reqmodel.New(sourceDir, t.TempDir(), []reqmodel.Package{{Kind: reqmodel.KindCargo, Path: "."}}, reqmodel.Flags{})
	if err != nil {
		t.Fatalf("reqmodel.New() error = %v", err)
	}

	edit := resolver.FileEdit{
		Path: filepath.Join(".cargo", "config.toml"),
		Apply: func(content []byte, forOutputDir string) ([]byte, error) {
			if len(content) != 0 {
				t.Errorf("expected empty original content for a new file, got %q", content)
			}
			return []byte("[source.crates-io]\n"), nil
		},
	}

	stored, err := renderEdits(req, []resolver.FileEdit{edit})
	if err != nil {
		t.Fatalf("renderEdits() error = %v, want nil for a not-yet-existing target file", err)
	}
	if stored[0].Content != "[source.crates-io]\n" {
		t.Errorf("stored content = %q", stored[0].Content)
	}
}
