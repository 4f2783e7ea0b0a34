// Package launcher runs external commands with captured stdio, computed
// environment, and a working directory - the one place in the engine that
// shells out to a subprocess. It generalizes the teacher's git.go
// (_git/ggit/xgit/RunWith), which always prefixed argv with "git", into a
// launcher that can run an arbitrary argv - needed because spec.md §4.6
// runs a user-described generator `command`, and §4.3's fetch_via_tmp_repo
// still wants the original "always git" behaviour. Run is the common core;
// Git is a thin convenience wrapping it the way ggit()/xgit() did.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Result is the captured outcome of a subprocess run.
type Result struct {
	Argv     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options configures one subprocess invocation.
type Options struct {
	// Dir is the working directory; empty means inherit the caller's.
	Dir string
	// Stdin is piped to the child's stdin.
	Stdin string
	// Env, if non-nil, replaces the child's environment entirely
	// (computed by the caller - see §4.6's env_vars/inherit_env rule).
	Env []string
	// Prefix is prepended to Argv - the "launcher prefix" spec.md §4.6
	// describes for generator commands (e.g. a sandboxing wrapper).
	Prefix []string
}

// Run executes argv (after Options.Prefix) and returns its captured
// stdout/stderr and exit code. A non-zero exit is reported in Result, not
// as an error - §6's subprocess contract says "a non-zero exit is fatal
// only if the resulting tree identifier does not subsequently match",
// a decision the caller (treefetch) makes, not Run.
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	full := make([]string, 0, len(opts.Prefix)+len(argv))
	full = append(full, opts.Prefix...)
	full = append(full, argv...)
	if len(full) == 0 {
		return Result{}, fmt.Errorf("launcher: empty command")
	}

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Argv:   full,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case asExitError(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		err = nil
	default:
		return res, fmt.Errorf("launcher: run %q: %w", strings.Join(full, " "), err)
	}

	return res, err
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// Error describes a subprocess that ran but exited non-zero, with enough
// context (argv, stdin, captured output) to build the diagnostics §7
// requires - grounded on the teacher's GitError/GitErrContext.
type Error struct {
	Argv     []string
	Stdin    string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *Error) Error() string {
	msg := strings.Join(e.Argv, " ")
	if e.Stdin == "" {
		msg += " </dev/null"
	} else {
		msg += fmt.Sprintf(" <<EOF\n%s\nEOF", strings.TrimRight(e.Stdin, "\n"))
	}
	msg += fmt.Sprintf(" (exit %d)\n", e.ExitCode)
	if e.Stderr != "" {
		msg += e.Stderr
	}
	return msg
}

// Git runs `git <argv...>` via Run, trimming trailing whitespace from
// stdout/stderr the way the teacher's default (!raw) mode does.
func Git(ctx context.Context, argv []string, opts Options) (Result, error) {
	full := append([]string{"git"}, argv...)
	res, err := Run(ctx, full, opts)
	res.Stdout = strings.TrimSpace(res.Stdout)
	res.Stderr = strings.TrimSpace(res.Stderr)
	return res, err
}

// EnvFromInherit computes a child environment: base overlaid on the
// ambient environment restricted to the names in inherit (a name in base
// wins over the inherited ambient value) - the rule
// spec.md §4.6 states for generator commands ("env_vars overlaid on the
// inheritable subset of the ambient environment restricted to the
// inherit_env names").
func EnvFromInherit(base map[string]string, inherit []string) []string {
	env := map[string]string{}
	for _, name := range inherit {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	for k, v := range base {
		env[k] = v
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
