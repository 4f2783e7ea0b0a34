// Package errctx generalizes the panic/recover exception-with-context idiom
// visible throughout the teacher (raise/raiseif/errcatch/erraddcontext,
// called from git-backup.go, git.go and gitobjects.go but defined in a file
// the retrieval pack did not keep - lab.nexedi.com/kirr/go123/exc provides
// it upstream). Rather than guess at an unseen upstream API, this package
// reconstructs the contract from every call site the pack does show:
//
//   - Raise(err) panics with err wrapped so it can be told apart from a
//     genuine runtime panic by Catch.
//   - Catch(*error) is deferred; it recovers a Raise'd panic into *error
//     and re-panics anything else (a real bug should still crash the
//     program with a Go stacktrace, not be swallowed).
//   - Wrap prepends a description to an error's message chain,
//     mirroring erraddcontext/erraddcallingcontext's "here: <inner error>"
//     composition.
//
// §4.1's "(message, fatal)" continuation contract is expressed here as
// Diagnostic, a typed error every async-map compute function can produce.
package errctx

import (
	"fmt"
)

// Kind classifies why a Diagnostic failed, independent of its message, so a
// caller that must map failures to distinct outcomes - the CLI's exit code
// table, spec.md §7 - can do so without parsing text. The zero value,
// KindInternal, is the "generic failure" row of that table: a diagnostic
// constructed without an explicit kind is assumed to need it least often
// (an unexpected internal condition), not most often, so call sites that
// know better are expected to say so.
type Kind int

const (
	// KindInternal: an unexpected internal condition with no more specific
	// classification - a bug, a concurrency failure, something that
	// "should not happen". Maps to ExitInternal.
	KindInternal Kind = iota
	// KindConfig: a configuration or repository-resolution error -
	// malformed JSON, an undefined repository reference, a cyclic
	// `repository` indirection chain. Maps to ExitConfig (spec.md §7
	// groups resolution errors with config errors).
	KindConfig
	// KindFetch: a fetch, filesystem I/O, or content/tree-id integrity
	// error - a failed network request, a generator that produced the
	// wrong tree. Maps to ExitFetch.
	KindFetch
)

// Diagnostic is the typed error threaded through async-map continuations
// (spec.md §4.1, §7): a human message, whether the condition is fatal, and
// its Kind for exit-code mapping.
type Diagnostic struct {
	Message string
	Fatal   bool
	Kind    Kind
	cause   error
}

func (d *Diagnostic) Error() string {
	if d.cause != nil {
		return fmt.Sprintf("%s: %s", d.Message, d.cause)
	}
	return d.Message
}

func (d *Diagnostic) Unwrap() error { return d.cause }

// WithKind returns a copy of d classified as kind, e.g.
// errctx.Fatalf("...").WithKind(errctx.KindConfig). Used to reclassify a
// diagnostic that bubbled up from a kind-agnostic primitive (asyncmap's
// cycle/failed-permanently diagnostics) once the caller knows which domain
// produced it.
func (d *Diagnostic) WithKind(kind Kind) *Diagnostic {
	cp := *d
	cp.Kind = kind
	return &cp
}

// Fatalf builds a fatal Diagnostic of kind KindInternal.
func Fatalf(format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{Message: fmt.Sprintf(format, args...), Fatal: true}
}

// FatalfKind builds a fatal Diagnostic of the given kind.
func FatalfKind(kind Kind, format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{Message: fmt.Sprintf(format, args...), Fatal: true, Kind: kind}
}

// Warnf builds a non-fatal Diagnostic.
func Warnf(format string, args ...interface{}) *Diagnostic {
	return &Diagnostic{Message: fmt.Sprintf(format, args...), Fatal: false}
}

// Wrap attaches context to an arbitrary error, marking it fatal unless told
// otherwise. nil in, nil out. Wrapping an existing Diagnostic preserves its
// Kind; wrapping a plain error defaults to KindFetch, since every current
// call site wraps a filesystem/subprocess/git error from the fetch path.
func Wrap(err error, context string) *Diagnostic {
	if err == nil {
		return nil
	}
	if d, ok := err.(*Diagnostic); ok {
		return &Diagnostic{Message: context, Fatal: d.Fatal, Kind: d.Kind, cause: d}
	}
	return &Diagnostic{Message: context, Fatal: true, Kind: KindFetch, cause: err}
}

// raised is the panic payload Raise produces - unexported so only this
// package's Catch can recognize it, the same way the teacher's raise()
// could only be unwound by its own errcatch().
type raised struct {
	err error
}

// Raise panics with err, to be recovered by a deferred Catch up the call
// stack. Used for the small number of places (subprocess launch failure,
// filesystem walk callbacks) where returning an error through every
// intermediate frame would be pure ceremony - exactly the cases git-backup's
// raise()/raiseif() cover in file_to_blob, cmd_pull_'s filepath.Walk
// callback, and friends.
func Raise(err error) {
	if err == nil {
		return
	}
	panic(raised{err})
}

// Raiseif is Raise(err) spelled the way the teacher spells it at call sites
// that already have a plain `if err != nil` check inlined.
func Raiseif(err error) {
	if err != nil {
		Raise(err)
	}
}

// Raisef raises a formatted error directly.
func Raisef(format string, args ...interface{}) {
	Raise(fmt.Errorf(format, args...))
}

// Catch recovers a panic started by Raise into *errp, re-panicking anything
// else untouched. Call as `defer errctx.Catch(&err)` at the top of any
// function that calls Raise/Raiseif/Raisef internally but wants to return
// a normal error to its caller.
func Catch(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if rr, ok := r.(raised); ok {
		*errp = rr.err
		return
	}
	panic(r)
}

// AsDiagnostic converts any error into a *Diagnostic, defaulting to fatal
// if it is not already one - mirrors the teacher's aserror() used after
// filepath.Walk returns a plain error.
func AsDiagnostic(err error) *Diagnostic {
	if err == nil {
		return nil
	}
	if d, ok := err.(*Diagnostic); ok {
		return d
	}
	return &Diagnostic{Message: err.Error(), Fatal: true, cause: err}
}
