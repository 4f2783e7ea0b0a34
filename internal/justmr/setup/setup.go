// Package setup is the top-level driver tying resolve, config, cas,
// treefetch, gitop and gitstore together: given a parsed repository
// configuration and a chosen main, it materializes every repository in
// `to_setup` and produces the rewritten configuration spec.md §4.8
// describes.
package setup

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/cas"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/config"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/gitop"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/importgit"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/pathutil"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/progress"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/remote"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/resolve"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/stats"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/task"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/treefetch"
)

// Options configures one driver run.
type Options struct {
	StorePath      string // shared Git object store
	CASRoot        string // local content-addressed store root
	DistDirs       []string
	GitBin         string
	LauncherPrefix []string
	Jobs           int          // concurrent repositories in flight; <= 0 means unlimited
	RemoteCAS      remote.CAS   // nil becomes remote.NoCAS
	RemoteServe    remote.Serve // nil becomes remote.NoServe
	Tracker        *progress.Tracker // nil becomes a silent tracker
	Stats          *stats.Stats      // nil becomes a fresh Stats
	Logger         func(msg string)  // non-fatal diagnostics; nil discards them
}

// Driver performs fetch/setup runs over one parsed repository configuration.
type Driver struct {
	cfg  *config.RepositoryConfig
	opts Options

	resolve *resolve.Map
	gitops  *gitop.Map
	cas     *cas.Store
	tree    *treefetch.Store
	imports *importgit.Store
}

// New constructs a Driver over cfg.
func New(cfg *config.RepositoryConfig, opts Options) *Driver {
	if opts.RemoteCAS == nil {
		opts.RemoteCAS = remote.NoCAS
	}
	if opts.RemoteServe == nil {
		opts.RemoteServe = remote.NoServe
	}
	if opts.Tracker == nil {
		opts.Tracker = progress.NewSilent()
	}
	if opts.Stats == nil {
		opts.Stats = stats.New()
	}

	gitops := gitop.New()
	return &Driver{
		cfg:     cfg,
		opts:    opts,
		resolve: resolve.New(cfg),
		gitops:  gitops,
		cas:     cas.New(opts.CASRoot, opts.DistDirs, opts.Logger),
		tree:    treefetch.New(opts.StorePath, gitops, opts.Tracker, opts.RemoteCAS, opts.RemoteServe, opts.GitBin, opts.LauncherPrefix),
		imports: importgit.New(opts.StorePath, gitops, opts.GitBin, opts.LauncherPrefix),
	}
}

// Stats returns the counters this driver has been accumulating, for an
// end-of-run summary.
func (d *Driver) Stats() *stats.Stats { return d.opts.Stats }

// Fetch materializes every repository reachable from main (when main is
// empty, from the lexicographically smallest defined repository name) into
// the shared store, without producing a rewritten configuration - the `fetch`
// subcommand's contract.
func (d *Driver) Fetch(ctx context.Context, main string, onlyMain bool) error {
	_, toSetup, err := d.reachable(main, onlyMain)
	if err != nil {
		return err
	}
	if _, err := d.materializeAll(ctx, toSetup); err != nil {
		return err
	}
	return nil
}

// Setup runs Fetch and returns the rewritten configuration: `to_setup`
// materialized in order, with archive/generator `repository` fields
// replaced by `["git tree", <tree_id>, <repo_path>]`, `bindings` and every
// other field preserved verbatim (§4.8).
func (d *Driver) Setup(ctx context.Context, main string, onlyMain bool) (*config.RepositoryConfig, error) {
	resolvedMain, toSetup, err := d.reachable(main, onlyMain)
	if err != nil {
		return nil, err
	}

	rewritten, err := d.materializeAll(ctx, toSetup)
	if err != nil {
		return nil, err
	}

	out := &config.RepositoryConfig{Main: resolvedMain, Repositories: map[string]*config.RawObject{}}
	for _, name := range toSetup {
		out.Repositories[name] = rewritten[name]
	}
	return out, nil
}

// materializeAll runs materialize for every name in names concurrently,
// bounded by Options.Jobs - spec.md §4.2's fixed-width worker pool, since
// independent repositories (no binding or overlay relationship requires
// sequencing between them) have nothing to wait on each other for. The
// first fatal diagnostic flips the pool's fail flag; already-running
// siblings finish but no further repository starts.
func (d *Driver) materializeAll(ctx context.Context, names []string) (map[string]*config.RawObject, error) {
	pool := task.New(ctx, d.opts.Jobs)
	results := make(map[string]*config.RawObject, len(names))
	var mu sync.Mutex
	var firstErr error

	for _, name := range names {
		name := name
		pool.GoErr(func() error {
			if pool.Failed() {
				return nil
			}
			rewritten, diag := d.materialize(pool.Context(), name, d.cfg.Repositories[name])
			if diag != nil {
				d.opts.Stats.FatalErrors.Inc()
				err := fmt.Errorf("setup: repository %q: %w", name, diag)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return err
			}
			mu.Lock()
			results[name] = rewritten
			mu.Unlock()
			return nil
		})
	}
	pool.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// reachable resolves main, defaulting to the lexicographically smallest
// defined repository name when empty, and computes to_setup as its binding
// closure plus overlay roots. onlyMain is unused when a default exists;
// with no repositories defined at all, an empty main and to_setup are
// returned rather than an error, unless onlyMain demands a real main.
func (d *Driver) reachable(main string, onlyMain bool) (resolvedMain string, toSetup []string, err error) {
	if main == "" {
		m, ok := resolve.DefaultMain(d.cfg)
		if !ok {
			if onlyMain {
				return "", nil, errctx.FatalfKind(errctx.KindConfig, "setup: no main repository specified and none defined")
			}
			return "", nil, nil
		}
		main = m
	}

	_, toSetup, diag := d.resolve.ReachableRepositories(main)
	if diag != nil {
		return "", nil, diag
	}
	return main, toSetup, nil
}

// materialize produces name's output descriptor: a file root passes
// through unchanged, an archive or generator root is fetched/built and its
// `repository` field is rewritten to the resulting git tree.
func (d *Driver) materialize(ctx context.Context, name string, descriptor *config.RawObject) (*config.RawObject, *errctx.Diagnostic) {
	out := descriptor.Clone()

	root, diag := d.resolve.ResolveRepo(ctx, name)
	if diag != nil {
		return nil, diag
	}

	switch root.Kind {
	case config.RootFile:
		// already a file root - pass through unchanged.
		raw, _ := descriptor.Get("repository")
		out.Set("repository", raw)

	case config.RootArchive:
		treeID, repoPath, diag := d.materializeContent(ctx, "archive:"+name, root.Content, root.Fetch, root.Distfile, root.SHA256, root.SHA512, root.Subdir)
		if diag != nil {
			return nil, diag
		}
		raw, err := json.Marshal([]string{"git tree", treeID.String(), repoPath})
		if err != nil {
			return nil, errctx.FatalfKind(errctx.KindInternal, "setup: %v", err)
		}
		out.Set("repository", raw)
		d.opts.Stats.CacheHits.WithLabelValues("local_cas").Inc()
		d.opts.Stats.ReposFetched.Inc()

	case config.RootGenerator:
		declaredID, err := pathutil.ParseTreeID(root.TreeID)
		if err != nil {
			return nil, errctx.FatalfKind(errctx.KindConfig, "setup: repository %q: %v", name, err)
		}
		val, diag := d.tree.Resolve(ctx, declaredID, root.Command, root.EnvVars, root.InheritEnv, "generator:"+name, nil)
		if diag != nil {
			return nil, diag
		}
		raw, err := json.Marshal([]string{"git tree", root.TreeID, "."})
		if err != nil {
			return nil, errctx.FatalfKind(errctx.KindInternal, "setup: %v", err)
		}
		out.Set("repository", raw)
		if val.CacheHit {
			d.opts.Stats.CacheHits.WithLabelValues("local_git").Inc()
		} else {
			d.opts.Stats.CacheHits.WithLabelValues("generator").Inc()
			d.opts.Stats.ReposFetched.Inc()
		}

	default:
		return nil, errctx.FatalfKind(errctx.KindConfig, "setup: repository %q resolved to an unexpected root kind", name)
	}

	return out, nil
}

// materializeContent resolves an archive descriptor's content through cas,
// then imports it via the deduplicating importgit map - §4.8's "archives
// go through content-CAS + import-to-git". Archives have no declared tree
// id to verify against (unlike a generator's tree_id); the resulting tree
// is whatever the archive actually contained.
func (d *Driver) materializeContent(ctx context.Context, origin, contentHash, fetchURL, distfile, sha256Hint, sha512Hint, subdir string) (pathutil.TreeID, string, *errctx.Diagnostic) {
	val, diag := d.cas.Ensure(ctx, cas.Key{
		ContentHash: contentHash,
		FetchURL:    fetchURL,
		Distfile:    distfile,
		SHA256Hint:  sha256Hint,
		SHA512Hint:  sha512Hint,
	})
	if diag != nil {
		return pathutil.TreeID{}, "", diag
	}

	imported, diag := d.imports.Ensure(ctx, contentHash, val.Path, subdir, origin)
	if diag != nil {
		return pathutil.TreeID{}, "", diag
	}
	return imported.TreeID, imported.RepoPath, nil
}
