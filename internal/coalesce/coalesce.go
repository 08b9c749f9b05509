// Package coalesce deduplicates concurrent identical fetches: all callers
// sharing a key observe the single in-flight result instead of issuing
// duplicate upstream work.
package coalesce

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultStaleAfter = 10 * time.Second

// Key identifies one fetch. Structured fields rather than ad-hoc string
// concatenation keep distinct requests from colliding.
type Key struct {
	Kind   string
	Owner  string
	Repo   string
	Page   int
	Filter string
}

func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Kind)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(k.Owner))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(k.Repo))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.Page))
	b.WriteByte('|')
	b.WriteString(k.Filter)
	return b.String()
}

// Group tracks in-flight fetches. A flight older than staleAfter is evicted
// so a wedged fetch cannot block its key forever.
type Group struct {
	sf         singleflight.Group
	staleAfter time.Duration

	mu     sync.Mutex
	starts map[string]time.Time
}

func New(staleAfter time.Duration) *Group {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Group{
		staleAfter: staleAfter,
		starts:     make(map[string]time.Time),
	}
}

// Do executes fn for key, or joins the in-flight call for the same key.
// The returned bool reports whether the result was shared with other callers.
func (g *Group) Do(key Key, fn func() (any, error)) (any, error, bool) {
	k := key.String()

	g.mu.Lock()
	if started, ok := g.starts[k]; ok && time.Since(started) > g.staleAfter {
		g.sf.Forget(k)
		delete(g.starts, k)
	}
	if _, ok := g.starts[k]; !ok {
		g.starts[k] = time.Now()
	}
	g.mu.Unlock()

	value, err, shared := g.sf.Do(k, fn)

	g.mu.Lock()
	delete(g.starts, k)
	g.mu.Unlock()

	return value, err, shared
}

// InFlight reports whether a fetch for key is currently tracked.
func (g *Group) InFlight(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.starts[key.String()]
	return ok
}
