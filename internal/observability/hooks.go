// Package observability provides hooks for metrics, tracing, and logging
// around resolver and fetch execution, without adding a hard dependency
// on any specific backend. Consumers register hooks at startup; resolvers
// and the fetch primitive call them to emit events. Grounded on the
// teacher's pkg/observability hooks pattern, retargeted from
// pipeline/cache/HTTP events to resolver/fetch/dispatcher events.
package observability

import (
	"context"
	"sync"
	"time"
)

// ResolverHooks receives events from a single package-manager resolver run.
type ResolverHooks interface {
	OnResolveStart(ctx context.Context, kind, path string)
	OnResolveComplete(ctx context.Context, kind, path string, componentCount int, duration time.Duration, err error)
}

// FetchHooks receives events from the Checksum & Fetch Primitive.
type FetchHooks interface {
	OnFetchStart(ctx context.Context, url string)
	OnFetchComplete(ctx context.Context, url string, bytesWritten int64, duration time.Duration, err error)
	OnFetchRetry(ctx context.Context, url string, attempt int, err error)
}

// DispatcherHooks receives events from the Resolver Dispatcher.
type DispatcherHooks interface {
	OnDispatchComplete(ctx context.Context, totalComponents int, duration time.Duration, err error)
}

// NoopResolverHooks is a no-op ResolverHooks.
type NoopResolverHooks struct{}

func (NoopResolverHooks) OnResolveStart(context.Context, string, string)                              {}
func (NoopResolverHooks) OnResolveComplete(context.Context, string, string, int, time.Duration, error) {}

// NoopFetchHooks is a no-op FetchHooks.
type NoopFetchHooks struct{}

func (NoopFetchHooks) OnFetchStart(context.Context, string)                                 {}
func (NoopFetchHooks) OnFetchComplete(context.Context, string, int64, time.Duration, error) {}
func (NoopFetchHooks) OnFetchRetry(context.Context, string, int, error)                     {}

// NoopDispatcherHooks is a no-op DispatcherHooks.
type NoopDispatcherHooks struct{}

func (NoopDispatcherHooks) OnDispatchComplete(context.Context, int, time.Duration, error) {}

var (
	resolverHooks   ResolverHooks   = NoopResolverHooks{}
	fetchHooks      FetchHooks      = NoopFetchHooks{}
	dispatcherHooks DispatcherHooks = NoopDispatcherHooks{}
	hooksMu         sync.RWMutex
)

// SetResolverHooks registers custom resolver hooks. Call once at startup
// before any resolver runs.
func SetResolverHooks(h ResolverHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		resolverHooks = h
	}
}

// SetFetchHooks registers custom fetch hooks.
func SetFetchHooks(h FetchHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		fetchHooks = h
	}
}

// SetDispatcherHooks registers custom dispatcher hooks.
func SetDispatcherHooks(h DispatcherHooks) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	if h != nil {
		dispatcherHooks = h
	}
}

// Resolver returns the registered resolver hooks.
func Resolver() ResolverHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return resolverHooks
}

// Fetch returns the registered fetch hooks.
func Fetch() FetchHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return fetchHooks
}

// Dispatcher returns the registered dispatcher hooks.
func Dispatcher() DispatcherHooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return dispatcherHooks
}

// Reset restores all hooks to their no-op defaults. Primarily for tests.
func Reset() {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	resolverHooks = NoopResolverHooks{}
	fetchHooks = NoopFetchHooks{}
	dispatcherHooks = NoopDispatcherHooks{}
}
