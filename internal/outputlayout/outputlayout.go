// Package outputlayout owns the on-disk shape of the output directory:
// <output>/deps/<pm>/... cache subtrees, output.json, and bom.json. New
// creates <output>/deps and DepsDir creates a per-manager subtree, but
// resolvers also create their own deps/<pm> directories with os.MkdirAll.
// The fetch-deps command commits the final summary once the Dispatcher
// has returned every resolver's result, mirroring the teacher's
// collect-then-commit pattern in pkg/deps crawler.applyMeta.
package outputlayout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
)

// Layout owns the canonicalized output directory tree.
type Layout struct {
	Root string // absolute; <output>
}

// New canonicalizes outputDir and creates its top-level structure.
func New(outputDir string) (*Layout, error) {
	if !filepath.IsAbs(outputDir) {
		return nil, cherr.New(cherr.InputError, "output_dir must be absolute: %s", outputDir)
	}
	root := filepath.Clean(outputDir)
	if err := os.MkdirAll(filepath.Join(root, "deps"), 0o755); err != nil {
		return nil, cherr.Wrap(cherr.ToolError, err, "creating output directory %s", root)
	}
	return &Layout{Root: root}, nil
}

// DepsDir returns (and creates) <output>/deps/<pm>.
func (l *Layout) DepsDir(kind reqmodel.Kind) (string, error) {
	dir := filepath.Join(l.Root, "deps", string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", cherr.Wrap(cherr.ToolError, err, "creating %s", dir)
	}
	return dir, nil
}

// BomPath returns <output>/bom.json.
func (l *Layout) BomPath() string { return filepath.Join(l.Root, "bom.json") }

// OutputJSONPath returns <output>/output.json.
func (l *Layout) OutputJSONPath() string { return filepath.Join(l.Root, "output.json") }

// EnvVarsPath returns <output>/.cachi2-env.json, the serialized
// environment-variable list generate-env reads back in a later process.
func (l *Layout) EnvVarsPath() string { return filepath.Join(l.Root, ".cachi2-env.json") }

// EditsPath returns <output>/.cachi2-edits.json, the serialized file
// edits inject-files reads back in a later process.
func (l *Layout) EditsPath() string { return filepath.Join(l.Root, ".cachi2-edits.json") }

// PackageSummary is one resolved package manager's entry in output.json.
type PackageSummary struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Summary is the machine-readable contents of output.json.
type Summary struct {
	Packages    []PackageSummary `json:"packages"`
	OutputDir   string           `json:"output_dir"`
	GeneratedAt string           `json:"generated_at"`
}

// WriteOutputJSON atomically writes the resolved-package summary.
func (l *Layout) WriteOutputJSON(summary Summary, now time.Time) error {
	summary.GeneratedAt = now.UTC().Format(time.RFC3339)
	summary.OutputDir = l.Root
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return cherr.Wrap(cherr.ToolError, err, "marshaling output.json")
	}
	return writeAtomic(l.OutputJSONPath(), data)
}

// ReadOutputJSON reads back the summary written by WriteOutputJSON.
func (l *Layout) ReadOutputJSON() (Summary, error) {
	var s Summary
	data, err := os.ReadFile(l.OutputJSONPath())
	if err != nil {
		return s, cherr.Wrap(cherr.InputError, err, "reading %s", l.OutputJSONPath())
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, cherr.Wrap(cherr.InputError, err, "parsing %s", l.OutputJSONPath())
	}
	return s, nil
}

// WriteBom atomically writes the CycloneDX SBOM bytes produced by the
// sbom package.
func (l *Layout) WriteBom(data []byte) error {
	return writeAtomic(l.BomPath(), data)
}

// StoredEnvVar is the JSON-serializable form of resolver.EnvVar.
type StoredEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Kind  string `json:"kind"`
}

// WriteEnvVars atomically persists the Dispatcher's merged environment
// variables for a later generate-env invocation to read back.
func (l *Layout) WriteEnvVars(vars []resolver.EnvVar) error {
	stored := make([]StoredEnvVar, len(vars))
	for i, v := range vars {
		stored[i] = StoredEnvVar{Name: v.Name, Value: v.Value, Kind: string(v.Kind)}
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return cherr.Wrap(cherr.ToolError, err, "marshaling env vars")
	}
	return writeAtomic(l.EnvVarsPath(), data)
}

// ReadEnvVars reads back the environment variables WriteEnvVars persisted.
func (l *Layout) ReadEnvVars() ([]resolver.EnvVar, error) {
	data, err := os.ReadFile(l.EnvVarsPath())
	if err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "reading %s", l.EnvVarsPath())
	}
	var stored []StoredEnvVar
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "parsing %s", l.EnvVarsPath())
	}
	vars := make([]resolver.EnvVar, len(stored))
	for i, v := range stored {
		vars[i] = resolver.EnvVar{Name: v.Name, Value: v.Value, Kind: resolver.EnvVarKind(v.Kind)}
	}
	return vars, nil
}

// StoredEdit is a project-file edit rendered against the real output
// directory at fetch-deps time; inject-files rebases its Content with a
// plain string substitution when --for-output-dir is given, rather than
// re-invoking resolver-specific rewrite logic in a separate process.
// Path is absolute, resolved against the source tree at fetch-deps time,
// since inject-files runs as a separate process with no source_dir input.
type StoredEdit struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteEdits atomically persists the rendered file edits for a later
// inject-files invocation to read back and apply.
func (l *Layout) WriteEdits(edits []StoredEdit) error {
	data, err := json.MarshalIndent(edits, "", "  ")
	if err != nil {
		return cherr.Wrap(cherr.ToolError, err, "marshaling file edits")
	}
	return writeAtomic(l.EditsPath(), data)
}

// ReadEdits reads back the file edits WriteEdits persisted.
func (l *Layout) ReadEdits() ([]StoredEdit, error) {
	data, err := os.ReadFile(l.EditsPath())
	if err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "reading %s", l.EditsPath())
	}
	var edits []StoredEdit
	if err := json.Unmarshal(data, &edits); err != nil {
		return nil, cherr.Wrap(cherr.InputError, err, "parsing %s", l.EditsPath())
	}
	return edits, nil
}

func writeAtomic(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cherr.Wrap(cherr.ToolError, err, "creating directory for %s", dest)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(dest)+".tmp-*")
	if err != nil {
		return cherr.Wrap(cherr.ToolError, err, "creating temp file for %s", dest)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return cherr.Wrap(cherr.ToolError, err, "writing %s", dest)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return cherr.Wrap(cherr.ToolError, err, "closing %s", dest)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return cherr.Wrap(cherr.ToolError, err, "renaming into place: %s", dest)
	}
	return nil
}
