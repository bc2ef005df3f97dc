package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/cachi2-project/cachi2/internal/outputlayout"
	"github.com/cachi2-project/cachi2/internal/resolver"
)

func setupEnvOutput(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	layout, err := outputlayout.New(dir)
	if err != nil {
		t.Fatalf("outputlayout.New() error = %v", err)
	}
	vars := []resolver.EnvVar{
		{Name: "GOFLAGS", Value: "-mod=mod", Kind: resolver.EnvLiteral},
		{Name: "GOMODCACHE", Value: filepath.Join(dir, "deps", "gomod", "pkg", "mod"), Kind: resolver.EnvPath},
	}
	if err := layout.WriteEnvVars(vars); err != nil {
		t.Fatalf("WriteEnvVars() error = %v", err)
	}
	return dir
}

func TestGenerateEnvCommandDefaultFormat(t *testing.T) {
	dir := setupEnvOutput(t)
	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"generate-env", dir})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("export GOFLAGS=-mod=mod")) {
		t.Errorf("output missing GOFLAGS export, got %q", out.String())
	}
}

func TestGenerateEnvCommandForOutputDir(t *testing.T) {
	dir := setupEnvOutput(t)
	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"generate-env", dir, "--format", "dotenv", "--for-output-dir", "/mnt/output"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("/mnt/output")) {
		t.Errorf("expected rebased path in output, got %q", out.String())
	}
	if bytes.Contains(out.Bytes(), []byte(dir)) {
		t.Errorf("original output dir should not appear after rebase, got %q", out.String())
	}
}

func TestGenerateEnvCommandJSONInferredFromSuffix(t *testing.T) {
	dir := setupEnvOutput(t)
	c := New(os.Stderr, log.InfoLevel)
	root := c.RootCommand()
	outFile := filepath.Join(t.TempDir(), "env.json")
	root.SetArgs([]string{"generate-env", dir, "--output-file", outFile})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("reading output file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"name"`)) {
		t.Errorf("expected JSON output, got %q", data)
	}
}
