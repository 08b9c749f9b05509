package coalesce

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoCoalescesConcurrentCallers(t *testing.T) {
	g := New(time.Second)
	key := Key{Kind: "issues", Owner: "acme", Repo: "widgets", Page: 1}

	var calls atomic.Int32
	release := make(chan struct{})
	ready := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]any, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		value, err, _ := g.Do(key, func() (any, error) {
			calls.Add(1)
			close(ready)
			<-release
			return "page-1", nil
		})
		if err != nil {
			t.Error(err)
		}
		results[0] = value
	}()

	<-ready
	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err, _ := g.Do(key, func() (any, error) {
				calls.Add(1)
				return "page-1", nil
			})
			if err != nil {
				t.Error(err)
			}
			results[i] = value
		}(i)
	}

	// Give the joiners time to attach to the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one producer call, got %d", got)
	}
	for i, v := range results {
		if v != "page-1" {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
}

func TestDoDistinctKeysDoNotShare(t *testing.T) {
	g := New(time.Second)

	var calls atomic.Int32
	for _, key := range []Key{
		{Kind: "issues", Owner: "acme", Repo: "widgets", Page: 1},
		{Kind: "issues", Owner: "acme", Repo: "widgets", Page: 2},
		{Kind: "issues", Owner: "acme", Repo: "widgets", Page: 1, Filter: "bug"},
	} {
		if _, err, _ := g.Do(key, func() (any, error) {
			calls.Add(1)
			return nil, nil
		}); err != nil {
			t.Fatal(err)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 producer calls for distinct keys, got %d", got)
	}
}

func TestStaleFlightIsEvicted(t *testing.T) {
	g := New(10 * time.Millisecond)
	key := Key{Kind: "issues", Owner: "acme", Repo: "widgets", Page: 1}

	// Simulate a wedged flight by backdating its start.
	g.mu.Lock()
	g.starts[key.String()] = time.Now().Add(-time.Minute)
	g.mu.Unlock()

	var called bool
	if _, err, _ := g.Do(key, func() (any, error) {
		called = true
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected a fresh producer call after stale eviction")
	}
	if g.InFlight(key) {
		t.Fatal("expected flight cleared after completion")
	}
}
