// Package dispatcher implements the Resolver Dispatcher (spec.md §4.13):
// routes each input Package to its resolver by Kind, runs at most
// Concurrency resolvers at a time, and merges every
// resolver.Result into one SBOM, one environment-variable list, and one
// edit list. Grounded on the teacher's pkg/core/deps.Registry worker-pool
// crawl (bounded goroutines fetching independently, failures surfaced
// per-item) generalized from a DAG-builder to a Result-merger, using
// golang.org/x/sync/errgroup the same way internal/fetchutil does.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cachi2-project/cachi2/internal/cherr"
	"github.com/cachi2-project/cachi2/internal/observability"
	"github.com/cachi2-project/cachi2/internal/reqmodel"
	"github.com/cachi2-project/cachi2/internal/resolver"
	"github.com/cachi2-project/cachi2/internal/sbom"
)

// DefaultConcurrency is the number of resolvers run at once when
// Concurrency is unset. It has the same value as
// internal/fetchutil.DefaultConcurrency but is a separate limit: each
// resolver's FetchMany calls bound only their own downloads, so the total
// number of in-flight downloads across resolvers is not capped.
const DefaultConcurrency = 5

// Dispatcher routes packages to resolvers and merges their results.
type Dispatcher struct {
	Resolvers   map[reqmodel.Kind]resolver.Resolver
	Concurrency int
}

// New creates a Dispatcher with the default resolver set.
func New(resolvers map[reqmodel.Kind]resolver.Resolver) *Dispatcher {
	return &Dispatcher{Resolvers: resolvers, Concurrency: DefaultConcurrency}
}

// Dispatch resolves every package in req concurrently and merges the
// results, failing fast on the first resolver error or on a purl
// conflict between two resolved components.
func (d *Dispatcher) Dispatch(ctx context.Context, req *reqmodel.Request, engine reqmodel.EngineConfig, outputDir string) (resolver.Result, error) {
	start := time.Now()
	results := make([]resolver.Result, len(req.Packages))

	g, gctx := errgroup.WithContext(ctx)
	concurrency := d.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	g.SetLimit(concurrency)

	for i, pkg := range req.Packages {
		i, pkg := i, pkg
		g.Go(func() error {
			res, err := d.resolveOne(gctx, req, engine, outputDir, pkg)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		observability.Dispatcher().OnDispatchComplete(ctx, 0, time.Since(start), err)
		return resolver.Result{}, err
	}

	merged, err := mergeResults(results)
	observability.Dispatcher().OnDispatchComplete(ctx, len(merged.Components), time.Since(start), err)
	if err != nil {
		return resolver.Result{}, err
	}
	return merged, nil
}

func (d *Dispatcher) resolveOne(ctx context.Context, req *reqmodel.Request, engine reqmodel.EngineConfig, outputDir string, pkg reqmodel.Package) (resolver.Result, error) {
	res, ok := d.Resolvers[pkg.Kind]
	if !ok {
		return resolver.Result{}, cherr.New(cherr.UnsupportedFeature, "no resolver registered for package kind %q", pkg.Kind)
	}

	start := time.Now()
	observability.Resolver().OnResolveStart(ctx, string(pkg.Kind), pkg.Path)
	rc := resolver.Context{Request: req, Engine: engine, OutputDir: outputDir}
	result, err := res.Resolve(ctx, rc, pkg)
	observability.Resolver().OnResolveComplete(ctx, string(pkg.Kind), pkg.Path, len(result.Components), time.Since(start), err)
	if err != nil {
		return resolver.Result{}, fmt.Errorf("resolving %s package at %s: %w", pkg.Kind, pkg.Path, err)
	}
	return result, nil
}

// mergeResults unions every resolver's components via the SBOM Model's
// property-set merge, detecting conflicts where two components share a
// purl but disagree on version or name (the only attributes a shared
// purl is supposed to already pin).
func mergeResults(results []resolver.Result) (resolver.Result, error) {
	doc := sbom.New("", "")
	seen := map[string]sbom.Component{}

	for _, res := range results {
		for _, c := range res.Components {
			if c.Purl != "" {
				if prior, ok := seen[c.Purl]; ok {
					if prior.Name != c.Name || prior.Version != c.Version {
						return resolver.Result{}, cherr.New(cherr.InputError,
							"conflicting components share purl %s: (%s, %s) vs (%s, %s)",
							c.Purl, prior.Name, prior.Version, c.Name, c.Version)
					}
				} else {
					seen[c.Purl] = c
				}
			}
			doc.Add(c)
		}
	}

	var merged resolver.Result
	merged.Components = doc.Components()
	for _, res := range results {
		merged.Env = append(merged.Env, res.Env...)
		merged.Edits = append(merged.Edits, res.Edits...)
	}
	return merged, nil
}
