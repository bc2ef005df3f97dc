package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/cachi2-project/cachi2/internal/outputlayout"
)

func TestInjectFilesCommandRewritesTargetFile(t *testing.T) {
	outputDir := t.TempDir()
	sourceDir := t.TempDir()

	target := filepath.Join(sourceDir, "requirements.txt")
	if err := os.WriteFile(target, []byte("original\n"), 0o644); err != nil {
		t.Fatalf("seeding target file: %v", err)
	}

	layout, err := outputlayout.New(outputDir)
	if err != nil {
		t.Fatalf("outputlayout.New() error = %v", err)
	}
	rendered := "osbs-client @ file:///" + filepath.Join(outputDir, "deps", "pip", "osbs-client.tar.gz")
	if err := layout.WriteEdits([]outputlayout.StoredEdit{{Path: target, Content: rendered}}); err != nil {
		t.Fatalf("WriteEdits() error = %v", err)
	}

	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	root.SetArgs([]string{"inject-files", outputDir})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading rewritten file: %v", err)
	}
	if string(got) != rendered {
		t.Errorf("target content = %q, want %q", got, rendered)
	}
}

func TestInjectFilesCommandForOutputDir(t *testing.T) {
	outputDir := t.TempDir()
	sourceDir := t.TempDir()

	target := filepath.Join(sourceDir, "requirements.txt")
	if err := os.WriteFile(target, []byte("original\n"), 0o644); err != nil {
		t.Fatalf("seeding target file: %v", err)
	}

	layout, err := outputlayout.New(outputDir)
	if err != nil {
		t.Fatalf("outputlayout.New() error = %v", err)
	}
	rendered := "osbs-client @ file://" + filepath.Join(outputDir, "deps", "pip", "osbs-client.tar.gz")
	if err := layout.WriteEdits([]outputlayout.StoredEdit{{Path: target, Content: rendered}}); err != nil {
		t.Fatalf("WriteEdits() error = %v", err)
	}

	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	root.SetArgs([]string{"inject-files", outputDir, "--for-output-dir", "/mnt/output"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading rewritten file: %v", err)
	}
	want := "osbs-client @ file:///mnt/output/deps/pip/osbs-client.tar.gz"
	if string(got) != want {
		t.Errorf("target content = %q, want %q", got, want)
	}
}
