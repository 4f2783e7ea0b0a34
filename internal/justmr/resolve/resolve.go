// Package resolve computes which repositories a run actually needs: the
// reflexive-transitive closure of the `bindings` graph rooted at `main`
// (spec.md §4.7), plus the repositories named only as overlay roots, and
// follows a single descriptor's `repository` field indirection chain to
// its terminal root.
package resolve

import (
	"context"
	"sort"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/asyncmap"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/config"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
)

// Map resolves repository descriptors against a parsed configuration.
// Per-name `repository` field parses are cached and deduplicated the same
// way git-tree fetches are (§4.1) - repeated ResolveRepo calls for the
// same name never re-parse its descriptor.
type Map struct {
	cfg *config.RepositoryConfig
	am  *asyncmap.Map[string, *config.RepoRoot]
}

// New constructs a Map over cfg.
func New(cfg *config.RepositoryConfig) *Map {
	m := &Map{cfg: cfg}
	m.am = asyncmap.New[string, *config.RepoRoot]("resolve", func(name string) string { return name }, m.parseOwnRoot)
	return m
}

// parseOwnRoot parses name's own `repository` field, one indirection step -
// it never follows a chain itself, so asyncmap's per-key cache covers every
// name visited regardless of which chain first reached it.
func (m *Map) parseOwnRoot(_ context.Context, name string) (*config.RepoRoot, *errctx.Diagnostic) {
	descriptor, ok := m.cfg.Repositories[name]
	if !ok {
		return nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q is not defined", name)
	}
	raw, ok := descriptor.Get("repository")
	if !ok {
		return nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q has no \"repository\" field", name)
	}
	root, err := config.ParseRepoRoot(raw)
	if err != nil {
		return nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q: %v", name, err)
	}
	return root, nil
}

// ResolveRepo follows name's `repository` field indirection chain - a bare
// string re-points at another repository's own field - to its terminal,
// non-indirect root (a file root, an archive descriptor, or a generator
// descriptor). A cycle in the indirection chain is a fatal diagnostic,
// detected via asyncmap's predecessor-set mechanism (§4.1).
func (m *Map) ResolveRepo(ctx context.Context, name string) (*config.RepoRoot, *errctx.Diagnostic) {
	return m.resolveFrom(ctx, name, pathutil.NewSet[string]())
}

func (m *Map) resolveFrom(ctx context.Context, name string, ancestors pathutil.Set[string]) (*config.RepoRoot, *errctx.Diagnostic) {
	root, diag := m.am.Get(ctx, name, ancestors)
	if diag != nil {
		// m.am.Get's own diagnostics (a cycle, a key that previously
		// failed permanently) are kind-agnostic - asyncmap has no notion
		// of domain - so they are reclassified here: every failure along a
		// `repository` indirection chain is a config/resolution error.
		return nil, diag.WithKind(errctx.KindConfig)
	}
	if root.Kind != config.RootIndirect {
		return root, nil
	}
	next := pathutil.NewSet(ancestors.Elements()...)
	next.Add(name)
	return m.resolveFrom(ctx, root.Indirect, next)
}

// ReachableRepositories computes, given main, the `to_include` set (the
// reflexive-transitive closure of the binding graph, in first-visited
// order) and the `to_setup` set (`to_include` plus every repository named
// only by an overlay root - target_root/rule_root/expression_root - of an
// included repository, deduplicated, appended in discovery order).
func (m *Map) ReachableRepositories(main string) (toInclude, toSetup []string, diag *errctx.Diagnostic) {
	included := pathutil.NewSet[string]()
	var order []string
	queue := []string{main}

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if included.Contains(name) {
			continue
		}
		descriptor, ok := m.cfg.Repositories[name]
		if !ok {
			return nil, nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q is referenced but not defined", name)
		}
		included.Add(name)
		order = append(order, name)

		bindings, err := config.Bindings(descriptor)
		if err != nil {
			return nil, nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q: %v", name, err)
		}
		for _, dep := range sortedBindingTargets(bindings) {
			if !included.Contains(dep) {
				queue = append(queue, dep)
			}
		}
	}

	setupSeen := pathutil.NewSet(order...)
	setupOrder := append([]string(nil), order...)
	for _, name := range order {
		overlays, err := config.OverlayRoots(m.cfg.Repositories[name])
		if err != nil {
			return nil, nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q: %v", name, err)
		}
		for _, dep := range overlays {
			if setupSeen.Contains(dep) {
				continue
			}
			if _, ok := m.cfg.Repositories[dep]; !ok {
				return nil, nil, errctx.FatalfKind(errctx.KindConfig, "resolve: repository %q overlay root references undefined repository %q", name, dep)
			}
			setupSeen.Add(dep)
			setupOrder = append(setupOrder, dep)
		}
	}

	return order, setupOrder, nil
}

// DefaultReachableRepositories returns every defined repository name,
// sorted, as both lists - the behavior when a run is not scoped to a
// single main (e.g. "fetch everything").
func (m *Map) DefaultReachableRepositories() (toInclude, toSetup []string) {
	names := make([]string, 0, len(m.cfg.Repositories))
	for name := range m.cfg.Repositories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, append([]string(nil), names...)
}

// DefaultMain returns cfg.Main if set, otherwise the lexicographically
// smallest defined repository name. ok is false only when main is
// unspecified and no repositories are defined.
func DefaultMain(cfg *config.RepositoryConfig) (name string, ok bool) {
	if cfg.Main != "" {
		return cfg.Main, true
	}
	if len(cfg.Repositories) == 0 {
		return "", false
	}
	names := make([]string, 0, len(cfg.Repositories))
	for n := range cfg.Repositories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names[0], true
}

// sortedBindingTargets renders bindings' values in an order independent of
// Go's randomized map iteration, by sorting on the binding alias (key)
// first - deterministic across runs for identical input.
func sortedBindingTargets(bindings map[string]string) []string {
	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(bindings))
	for _, k := range keys {
		out = append(out, bindings[k])
	}
	return out
}
