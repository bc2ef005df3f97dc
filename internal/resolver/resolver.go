// Package resolver defines the shared contract every package-manager
// resolver implements, and the Resolver Dispatcher composes: each
// resolver consumes a Request Package and produces a Result (components,
// environment variables, project-file edits). Grounded on spec.md §3's
// "Resolver Result" tuple and the teacher's deps.Resolver interface shape
// (pkg/deps/resolver.go), generalized from a single Resolve method
// returning a dependency DAG to one returning a Result.
package resolver

import (
	"context"

	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// EnvVar is one environment-variable assignment a resolver requires the
// eventual build to see (e.g. GOPATH, PIP_FIND_LINKS, BUNDLE_APP_CONFIG).
type EnvVar struct {
	Name  string
	Value string
	// Kind distinguishes a literal value from one that names a path
	// inside the output directory, so generate-env's --for-output-dir
	// rebasing only rewrites the latter.
	Kind EnvVarKind
}

// EnvVarKind classifies an EnvVar's Value.
type EnvVarKind string

const (
	EnvLiteral EnvVarKind = "literal"
	EnvPath    EnvVarKind = "path"
)

// FileEdit is a pending rewrite of a file inside the source tree,
// requested by a resolver but applied later by inject-files.
type FileEdit struct {
	// Path is relative to the Request's source_dir.
	Path string
	// Apply rewrites content (the file's current bytes) and returns the
	// new bytes. forOutputDir is the --for-output-dir rebase target, or
	// empty when no rebase was requested.
	Apply func(content []byte, forOutputDir string) ([]byte, error)
}

// Result is the per-package output of a Resolver, per spec.md §3.
type Result struct {
	Components []sbom.Component
	Env        []EnvVar
	Edits      []FileEdit
}

// Merge unions other into r. Property sets on shared components are
// unioned (delegated to sbom.Document), matching the Dispatcher's
// commutative-merge contract.
func (r *Result) Merge(other Result) {
	doc := sbom.New("", "")
	for _, c := range r.Components {
		doc.Add(c)
	}
	for _, c := range other.Components {
		doc.Add(c)
	}
	r.Components = doc.Components()
	r.Env = append(r.Env, other.Env...)
	r.Edits = append(r.Edits, other.Edits...)
}

// Context carries everything a Resolver needs beyond its own Package:
// the validated Request, engine tunables, and the output directory root.
type Context struct {
	Request   *reqmodel.Request
	Engine    reqmodel.EngineConfig
	OutputDir string
}

// Resolver resolves one input Package into a Result.
type Resolver interface {
	// Resolve fetches everything pkg's lockfile declares and returns the
	// resulting components, environment, and file edits.
	Resolve(ctx context.Context, rc Context, pkg reqmodel.Package) (Result, error)
}
