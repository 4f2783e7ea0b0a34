// Command just-mr is the fetch/setup driver's entry point: `fetch`
// materializes every repository a configuration reaches into the shared
// Git object store, `setup` additionally prints the rewritten
// configuration (spec.md §6), and `update` is an alias for `setup` - this
// engine has no separate pin-refresh step to distinguish them.
//
// Grounded on the teacher's git-backup.go main()/usage()/command-table
// structure, with github.com/spf13/pflag replacing the standard library's
// flag package - pflag is already a direct dependency of several pack
// repos' CLIs and is the GNU-style long-flag parser idiomatic Go CLIs in
// this corpus reach for.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/config"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/errctx"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/progress"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/remote"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/setup"
	"github.com/oss-evaluation-repository/just-buildsystem-justbuild/internal/justmr/stats"
)

var (
	errColor = color.New(color.FgRed, color.Bold)
	okColor  = color.New(color.FgGreen)
)

// printErr reports a command failure the way git-backup.go's infof/debugf
// write to stderr, colored red when the output is a terminal (fatih/color
// detects non-terminal stderr and no-ops automatically).
func printErr(cmd string, err error) {
	errColor.Fprintf(os.Stderr, "just-mr %s: %v\n", cmd, err)
}

// printSummary writes the one-line end-of-run tally spec.md §9's "a human
// UI beyond progress counters" non-goal still allows: a plain summary of
// the counters stats.Stats collected.
func printSummary(snap stats.Snapshot) {
	line := fmt.Sprintf("just-mr: %d repositories fetched, %d warnings", snap.ReposFetched, snap.Warnings)
	if snap.FatalErrors > 0 {
		errColor.Fprintln(os.Stderr, line)
		return
	}
	okColor.Fprintln(os.Stderr, line)
}

// Exit codes, spec.md §7.
const (
	ExitOK       = 0
	ExitArgs     = 2
	ExitConfig   = 3
	ExitFetch    = 4
	ExitInternal = 5
	ExitUsage    = 64
)

// exitForErr maps a driver failure to its exit code per the §7 taxonomy:
// a configuration or repository-resolution error (malformed config, an
// undefined reachable name, a cyclic `repository` indirection chain) is
// ExitConfig, a fetch/I/O/integrity error is ExitFetch, and anything else
// (a diagnostic with no more specific Kind, or an error that never went
// through errctx at all) is ExitInternal - exit codes are stable across
// versions, so the CLI must get this right, not just "fail with 4".
func exitForErr(err error) int {
	var diag *errctx.Diagnostic
	if !errors.As(err, &diag) {
		return ExitInternal
	}
	switch diag.Kind {
	case errctx.KindConfig:
		return ExitConfig
	case errctx.KindFetch:
		return ExitFetch
	default:
		return ExitInternal
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		usage()
		return ExitUsage
	}

	switch argv[0] {
	case "fetch":
		return runFetch(argv[1:])
	case "setup", "update":
		return runSetup(argv[1:])
	case "-h", "--help", "help":
		usage()
		return ExitOK
	default:
		fmt.Fprintf(os.Stderr, "just-mr: unknown command %q\n", argv[0])
		usage()
		return ExitUsage
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `just-mr <command> [options]

  fetch     materialize every reachable repository into the shared store
  setup     fetch, then print the rewritten repository configuration
  update    alias for setup

  common options:
    -C, --repository-config <path>   repository configuration (default repos.json)
        --store <path>               shared Git object store (required)
        --cas <path>                 local content-addressed store
        --distdir <path>             a dist-dir to search before network fetch (repeatable)
        --git <path>                 git binary to invoke
        --remote-cas <url>           remote CAS base URL
        --remote-serve <url>         remote serve base URL
        --main <name>                the main repository
    -q, --quiet                      suppress the progress bar
    -j, --jobs <n>                   concurrent repositories in flight (0 = unlimited)
`)
}

type commonFlags struct {
	repoConfigPath string
	storePath      string
	casRoot        string
	distDirs       []string
	gitBin         string
	remoteCASURL   string
	remoteServeURL string
	main           string
	quiet          bool
	jobs           int
}

func registerCommonFlags(fs *pflag.FlagSet, f *commonFlags) {
	fs.StringVarP(&f.repoConfigPath, "repository-config", "C", "repos.json", "path to the repository configuration")
	fs.StringVar(&f.storePath, "store", "", "path to the shared Git object store (required)")
	fs.StringVar(&f.casRoot, "cas", "", "path to the local content-addressed store (defaults alongside --store)")
	fs.StringArrayVar(&f.distDirs, "distdir", nil, "a dist-dir to search before network fetch (repeatable)")
	fs.StringVar(&f.gitBin, "git", "git", "git binary to invoke for subprocess operations")
	fs.StringVar(&f.remoteCASURL, "remote-cas", "", "base URL of a remote CAS to consult before running generators")
	fs.StringVar(&f.remoteServeURL, "remote-serve", "", "base URL of a remote serve service to consult before running generators")
	fs.StringVar(&f.main, "main", "", "the main repository (defaults to the lexicographically smallest defined repository)")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "suppress the progress bar")
	fs.IntVarP(&f.jobs, "jobs", "j", 0, "maximum repositories fetched concurrently (0 means unlimited)")
}

func (f *commonFlags) buildDriver(cfg *config.RepositoryConfig) *setup.Driver {
	casRoot := f.casRoot
	if casRoot == "" {
		casRoot = f.storePath + ".cas"
	}

	var remoteCAS remote.CAS
	var remoteServe remote.Serve
	if f.remoteCASURL != "" {
		remoteCAS = remote.NewHTTPCAS(f.remoteCASURL)
	}
	if f.remoteServeURL != "" {
		remoteServe = remote.NewHTTPServe(f.remoteServeURL)
	}

	tracker := progress.NewSilent()
	if !f.quiet {
		tracker = progress.New(os.Stderr, "just-mr")
	}

	st := stats.New()
	return setup.New(cfg, setup.Options{
		StorePath:   f.storePath,
		CASRoot:     casRoot,
		DistDirs:    f.distDirs,
		GitBin:      f.gitBin,
		Jobs:        f.jobs,
		RemoteCAS:   remoteCAS,
		RemoteServe: remoteServe,
		Tracker:     tracker,
		Stats:       st,
		Logger: func(msg string) {
			st.Warnings.Inc()
			fmt.Fprintln(os.Stderr, "W:", msg)
		},
	})
}

func loadRepositoryConfig(path string) (*config.RepositoryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return config.ParseRepositoryConfig(data)
}

func runFetch(argv []string) int {
	fs := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	var f commonFlags
	registerCommonFlags(fs, &f)
	if err := fs.Parse(argv); err != nil {
		printErr("fetch", err)
		return ExitArgs
	}
	if f.storePath == "" {
		printErr("fetch", fmt.Errorf("--store is required"))
		return ExitArgs
	}

	cfg, err := loadRepositoryConfig(f.repoConfigPath)
	if err != nil {
		printErr("fetch", err)
		return ExitConfig
	}

	d := f.buildDriver(cfg)
	if err := d.Fetch(context.Background(), f.main, false); err != nil {
		printErr("fetch", err)
		printSummary(d.Stats().Snapshot())
		return exitForErr(err)
	}
	printSummary(d.Stats().Snapshot())
	return ExitOK
}

func runSetup(argv []string) int {
	fs := pflag.NewFlagSet("setup", pflag.ContinueOnError)
	var f commonFlags
	registerCommonFlags(fs, &f)
	if err := fs.Parse(argv); err != nil {
		printErr("setup", err)
		return ExitArgs
	}
	if f.storePath == "" {
		printErr("setup", fmt.Errorf("--store is required"))
		return ExitArgs
	}

	cfg, err := loadRepositoryConfig(f.repoConfigPath)
	if err != nil {
		printErr("setup", err)
		return ExitConfig
	}

	d := f.buildDriver(cfg)
	out, err := d.Setup(context.Background(), f.main, false)
	if err != nil {
		printErr("setup", err)
		printSummary(d.Stats().Snapshot())
		return exitForErr(err)
	}

	emitted, err := out.Emit()
	if err != nil {
		printErr("setup", err)
		return ExitInternal
	}
	os.Stdout.Write(emitted)
	fmt.Println()
	printSummary(d.Stats().Snapshot())
	return ExitOK
}
