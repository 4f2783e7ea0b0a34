// Package progress implements the per-origin task tracker of spec.md §2
// item 9 / §4.6's last bullet: Start(origin) on entry to a miss, exactly
// one matching Stop(origin) on the success path, nothing on failure.
// Stateless with respect to persistence - it lives for one driver
// invocation and is discarded afterwards.
//
// The human-facing bar is github.com/schollz/progressbar/v3, the sole
// dependency vjache-cie carries for exactly this purpose (a live count of
// in-flight/completed work against a changing total, rendered to a
// terminal) - grounded on that repo's use of the same library for its own
// long-running scan progress.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker records which origins (spec.md glossary: "a human-readable string
// identifying a tree request") are currently being fetched, and renders a
// single live bar summarizing completed vs. outstanding work.
type Tracker struct {
	mu     sync.Mutex
	open   map[string]time.Time
	bar    *progressbar.ProgressBar
	total  int
	done   int
	silent bool
}

// New creates a Tracker. out is where the bar is rendered; pass io.Discard
// (or set silent via NewSilent) in non-interactive contexts.
func New(out io.Writer, description string) *Tracker {
	return &Tracker{
		open: map[string]time.Time{},
		bar: progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

// NewSilent creates a Tracker that only does start/stop bookkeeping, with
// no rendered output - useful in tests and non-interactive `just-mr` runs.
func NewSilent() *Tracker {
	t := New(io.Discard, "")
	t.silent = true
	return t
}

// Start marks origin as in-flight and grows the bar's total (the total
// number of tree requests is not known up front - new origins can appear
// as the dependency closure is discovered, so the bar's total is a
// spec.md §4.6 "on any miss" running count, not a fixed denominator).
func (t *Tracker) Start(origin string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open[origin] = time.Now()
	t.total++
	if !t.silent {
		_ = t.bar.ChangeMax(t.total)
	}
}

// Stop marks origin as complete. Calling Stop for an origin that was never
// Start'd, or calling it twice, is a programming error in the caller
// (spec.md §4.6: "on failure, no Stop is emitted" - callers must not call
// Stop on an error path) and is reported rather than silently ignored.
func (t *Tracker) Stop(origin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[origin]; !ok {
		return fmt.Errorf("progress: Stop(%q) without matching Start", origin)
	}
	delete(t.open, origin)
	t.done++
	if !t.silent {
		_ = t.bar.Add(1)
	}
	return nil
}

// Outstanding returns the origins currently in flight, for reporting what
// is still running.
func (t *Tracker) Outstanding() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.open))
	for origin := range t.open {
		out = append(out, origin)
	}
	return out
}

// Counts returns (completed, total) for structured diagnostics.
func (t *Tracker) Counts() (done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done, t.total
}

// Close finalizes bar rendering.
func (t *Tracker) Close() error {
	if t.silent {
		return nil
	}
	return t.bar.Close()
}
