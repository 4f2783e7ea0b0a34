// Package asyncmap implements the deduplicating async map described in
// spec.md §4.1: given a key, a compute function runs at most once across
// the process lifetime, concurrent requesters for the same pending key are
// coalesced, and nothing blocks a worker thread waiting on another task -
// continuations are handed back to a Scheduler instead.
//
// It is the one generic primitive underneath the critical-git-op map
// (§4.4), the content-CAS map (§4.5), and the git-tree fetch map (§4.6).
//
// Grounded on golang.org/x/sync/singleflight, already a direct dependency
// of Gizzahub-gzh-cli-gitforge (via golang.org/x/sync, used there for
// errgroup in pkg/repository/bulk.go) - singleflight is the sibling package
// in the same module and is exactly "collapse concurrent callers of the
// same key into one in-flight call". A thin Ready/Failed cache on top turns
// that per-call dedup into the map's required "at most once ever"
// (for keys that resolve definitively) semantics.
package asyncmap

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// ComputeFunc produces the value for key, or a diagnostic describing why it
// could not. See errctx.Diagnostic for the fatal/non-fatal distinction.
type ComputeFunc[K comparable, V any] func(ctx context.Context, key K) (V, *errctx.Diagnostic)

// Scheduler is how a Map re-enqueues continuations instead of blocking the
// calling goroutine on another key's completion. *task.Pool implements it.
type Scheduler interface {
	Go(func())
}

// Map is a deduplicating, at-most-once-compute map from K to V.
type Map[K comparable, V any] struct {
	name    string
	keyFunc func(K) string
	compute ComputeFunc[K, V]

	mu     sync.RWMutex
	ready  map[K]V
	failed map[K]struct{}

	sf singleflight.Group
}

// New constructs a Map. keyFunc renders K to the string singleflight groups
// on; for simple key types fmt.Sprint is enough, but composite keys (e.g.
// gitop.OpKey) should render every field to avoid accidental collisions.
func New[K comparable, V any](name string, keyFunc func(K) string, compute ComputeFunc[K, V]) *Map[K, V] {
	return &Map[K, V]{
		name:    name,
		keyFunc: keyFunc,
		compute: compute,
		ready:   map[K]V{},
		failed:  map[K]struct{}{},
	}
}

// Get resolves key, invoking compute if necessary. If ancestors is
// non-nil and already contains key, Get reports a fatal cycle diagnostic
// without invoking compute - spec.md §4.1's cycle-detection contract, used
// by resolve.ResolveRepo for the `repository` indirection chain.
//
// Get may block the calling goroutine for the duration of one compute call
// (at most one in flight per key, guaranteed by singleflight) - spec.md §5
// explicitly allows this: "long operations ... are themselves wrapped by
// async maps whose compute functions may block their calling worker because
// the map guarantees at-most-one such blocking call per key".
func (m *Map[K, V]) Get(ctx context.Context, key K, ancestors pathutil.Set[K]) (V, *errctx.Diagnostic) {
	var zero V

	// The cycle check must run before the ready-cache lookup: a key that is
	// its own ancestor on this call chain was necessarily visited earlier
	// in the same resolution and may already hold a cached value (e.g. an
	// indirection target visited once, then revisited via a longer cycle
	// back to itself) - returning the cached value here would hide the
	// cycle and recurse forever instead of reporting it.
	if ancestors != nil && ancestors.Contains(key) {
		return zero, errctx.Fatalf("%s: cycle detected", m.name)
	}

	m.mu.RLock()
	if v, ok := m.ready[key]; ok {
		m.mu.RUnlock()
		return v, nil
	}
	if _, ok := m.failed[key]; ok {
		m.mu.RUnlock()
		return zero, errctx.Fatalf("%s: key previously failed permanently", m.name)
	}
	m.mu.RUnlock()

	sfKey := m.keyFunc(key)
	iv, err, _ := m.sf.Do(sfKey, func() (interface{}, error) {
		val, diag := m.compute(ctx, key)
		if diag != nil {
			if diag.Fatal {
				m.mu.Lock()
				m.failed[key] = struct{}{}
				m.mu.Unlock()
			}
			// non-fatal: nothing is cached, so the next Get re-invokes
			// compute - "later requesters may retry" (§4.1 (iv)).
			return nil, diag
		}
		m.mu.Lock()
		m.ready[key] = val
		m.mu.Unlock()
		return val, nil
	})
	if err != nil {
		diag, ok := err.(*errctx.Diagnostic)
		if !ok {
			diag = errctx.Wrap(err, m.name)
		}
		return zero, diag
	}
	return iv.(V), nil
}

// Request resolves keys concurrently via sched, calling onReady exactly
// once with every value in request order if all keys resolve, or onError
// exactly once if any key fails - with the accumulated messages and the
// logical OR of every failing key's fatal flag (§4.1).
func (m *Map[K, V]) Request(
	sched Scheduler,
	ctx context.Context,
	keys []K,
	ancestors pathutil.Set[K],
	onReady func([]V),
	onError func(msg string, fatal bool),
) {
	if len(keys) == 0 {
		sched.Go(func() { onReady(nil) })
		return
	}

	var (
		mu        sync.Mutex
		values    = make([]V, len(keys))
		remaining = len(keys)
		failMsgs  []string
		anyFatal  bool
		anyFailed bool
	)

	for i, k := range keys {
		i, k := i, k
		sched.Go(func() {
			v, diag := m.Get(ctx, k, ancestors)

			mu.Lock()
			if diag != nil {
				anyFailed = true
				if diag.Fatal {
					anyFatal = true
				}
				failMsgs = append(failMsgs, diag.Error())
			} else {
				values[i] = v
			}
			remaining--
			done := remaining == 0
			msgs := append([]string(nil), failMsgs...)
			fatal := anyFatal
			failed := anyFailed
			mu.Unlock()

			if !done {
				return
			}
			if failed {
				onError(joinMessages(msgs), fatal)
			} else {
				onReady(values)
			}
		})
	}
}

func joinMessages(msgs []string) string {
	out := ""
	for i, m := range msgs {
		if i > 0 {
			out += "; "
		}
		out += m
	}
	return out
}
