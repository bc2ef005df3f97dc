package outputlayout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cachi2-project/cachi2/internal/reqmodel"
)

func TestNewCreatesDepsDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "out")
	l, err := New(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "deps")); err != nil {
		t.Fatalf("expected deps dir to exist: %v", err)
	}
	_ = l
}

func TestDepsDirPerPackageManager(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	dir, err := l.DepsDir(reqmodel.KindGomod)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dir) != "gomod" {
		t.Fatalf("unexpected dir: %s", dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatal(err)
	}
}

func TestWriteOutputJSONIsAtomic(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	summary := Summary{Packages: []PackageSummary{{Type: "pip", Path: "."}}}
	if err := l.WriteOutputJSON(summary, time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(l.OutputJSONPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty output.json")
	}

	matches, _ := filepath.Glob(filepath.Join(l.Root, "*.tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}

func TestWriteBom(t *testing.T) {
	l, err := New(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.WriteBom([]byte(`{"bomFormat":"CycloneDX"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(l.BomPath()); err != nil {
		t.Fatal(err)
	}
}

func TestNewRejectsRelativePath(t *testing.T) {
	if _, err := New("relative/out"); err == nil {
		t.Fatal("expected error for relative output_dir")
	}
}
