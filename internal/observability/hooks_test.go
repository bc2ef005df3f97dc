package observability

import (
	"context"
	"testing"
	"time"
)

func TestNoopHooksDoNotPanic(t *testing.T) {
	ctx := context.Background()

	r := NoopResolverHooks{}
	r.OnResolveStart(ctx, "pip", ".")
	r.OnResolveComplete(ctx, "pip", ".", 12, time.Second, nil)

	f := NoopFetchHooks{}
	f.OnFetchStart(ctx, "https://pypi.org/simple/requests")
	f.OnFetchComplete(ctx, "https://pypi.org/simple/requests", 1024, time.Second, nil)
	f.OnFetchRetry(ctx, "https://pypi.org/simple/requests", 1, nil)

	d := NoopDispatcherHooks{}
	d.OnDispatchComplete(ctx, 42, time.Second, nil)
}

func TestGlobalHooksRegistry(t *testing.T) {
	Reset()

	if _, ok := Resolver().(NoopResolverHooks); !ok {
		t.Error("Resolver() should return NoopResolverHooks by default")
	}

	SetResolverHooks(recordingHooks{})
	if _, ok := Resolver().(recordingHooks); !ok {
		t.Error("Resolver() should return the registered hooks")
	}

	Reset()
	if _, ok := Resolver().(NoopResolverHooks); !ok {
		t.Error("Reset() should restore the noop default")
	}
}

func TestSetHooksIgnoresNil(t *testing.T) {
	Reset()
	SetResolverHooks(nil)
	if _, ok := Resolver().(NoopResolverHooks); !ok {
		t.Error("SetResolverHooks(nil) must not clear the registered hooks")
	}
}

type recordingHooks struct{ NoopResolverHooks }
