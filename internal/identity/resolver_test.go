package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"

	"canvaswatch.app/internal/eventlog"
	"canvaswatch.app/internal/protocol"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int32
	names   map[uint32]string
	err     error
	release chan struct{} // when set, FetchProfile blocks until closed
}

func (f *fakeFetcher) FetchProfile(ctx context.Context, id uint32) (*protocol.ProfileResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	name := f.names[id]
	return &protocol.ProfileResponse{Name: name, Raw: []byte(`{"name":"` + name + `"}`)}, nil
}

func (f *fakeFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func newResolver(t *testing.T, f ProfileFetcher, clock quartz.Clock, ttl time.Duration) *Resolver {
	t.Helper()
	return NewResolver(f, eventlog.NewRing(100, clock, nil), clock, ttl)
}

func TestResolve_ZeroIDNeverFetches(t *testing.T) {
	clock := quartz.NewMock(t)
	f := &fakeFetcher{names: map[uint32]string{}}
	r := newResolver(t, f, clock, time.Hour)
	for i := 0; i < 3; i++ {
		if got := r.Resolve(context.Background(), 0); got != NobodyName {
			t.Fatalf("got %q", got)
		}
	}
	if f.callCount() != 0 {
		t.Fatalf("user 0 must not hit the network, got %d calls", f.callCount())
	}
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	clock := quartz.NewMock(t)
	f := &fakeFetcher{names: map[uint32]string{7: "painter"}}
	r := newResolver(t, f, clock, time.Hour)

	if got := r.Resolve(context.Background(), 7); got != "painter" {
		t.Fatalf("got %q", got)
	}
	clock.Advance(30 * time.Minute)
	if got := r.Resolve(context.Background(), 7); got != "painter" {
		t.Fatalf("got %q", got)
	}
	if f.callCount() != 1 {
		t.Fatalf("fresh entry must be served from cache, got %d calls", f.callCount())
	}

	// Past the TTL the entry is stale: kept, but a lookup refetches.
	clock.Advance(31 * time.Minute)
	f.mu.Lock()
	f.names[7] = "painter2"
	f.mu.Unlock()
	if got := r.Resolve(context.Background(), 7); got != "painter2" {
		t.Fatalf("stale entry must trigger refetch, got %q", got)
	}
	if f.callCount() != 2 {
		t.Fatalf("want 2 calls, got %d", f.callCount())
	}
}

func TestResolve_FailureFallsBackUncached(t *testing.T) {
	clock := quartz.NewMock(t)
	f := &fakeFetcher{names: map[uint32]string{9: "artist"}, err: errors.New("boom")}
	r := newResolver(t, f, clock, time.Hour)

	if got := r.Resolve(context.Background(), 9); got != "User9" {
		t.Fatalf("fallback name: got %q", got)
	}

	// Failure cleared the in-flight marker and cached nothing, so the next
	// call retries and can succeed.
	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	if got := r.Resolve(context.Background(), 9); got != "artist" {
		t.Fatalf("retry after failure: got %q", got)
	}
	if f.callCount() != 2 {
		t.Fatalf("want 2 calls, got %d", f.callCount())
	}
}

func TestResolve_MissingNameFallsBack(t *testing.T) {
	clock := quartz.NewMock(t)
	f := &fakeFetcher{names: map[uint32]string{4: ""}}
	r := newResolver(t, f, clock, time.Hour)
	if got := r.Resolve(context.Background(), 4); got != "User4" {
		t.Fatalf("got %q", got)
	}
	// The fallback is cached: the fetch itself succeeded.
	if got := r.Resolve(context.Background(), 4); got != "User4" || f.callCount() != 1 {
		t.Fatalf("got %q after %d calls", got, f.callCount())
	}
}

func TestResolve_CoalescesConcurrentLookups(t *testing.T) {
	clock := quartz.NewMock(t)
	release := make(chan struct{})
	f := &fakeFetcher{names: map[uint32]string{5: "dup"}, release: release}
	r := newResolver(t, f, clock, time.Hour)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(context.Background(), 5)
		}(i)
	}

	// Let all callers pile up on the single in-flight fetch, then let it go.
	for atomic.LoadInt32(&f.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if f.callCount() != 1 {
		t.Fatalf("concurrent lookups must share one request, got %d", f.callCount())
	}
	for i, got := range results {
		if got != "dup" {
			t.Fatalf("caller %d: got %q", i, got)
		}
	}
}

func TestCache_PersistRoundTrip(t *testing.T) {
	clock := quartz.NewMock(t)
	f := &fakeFetcher{names: map[uint32]string{7: "painter"}}
	r := newResolver(t, f, clock, time.Hour)
	r.Resolve(context.Background(), 7)

	raw, err := r.CacheJSON()
	if err != nil {
		t.Fatalf("cache json: %v", err)
	}

	r2 := newResolver(t, f, clock, time.Hour)
	if err := r2.RestoreCache(raw); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := r2.Resolve(context.Background(), 7); got != "painter" {
		t.Fatalf("restored cache must answer, got %q", got)
	}
	if f.callCount() != 1 {
		t.Fatalf("restored entry must not refetch, got %d calls", f.callCount())
	}
}
