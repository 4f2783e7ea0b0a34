// Package stats is the "process-global statistics singleton" design note
// of spec.md §9 modeled as "a context object threaded through the driver" -
// a Stats value is created once per setup.Driver (by setup.New, or by the
// CLI that builds the driver) and passed down,
// rather than living as a package-level global.
//
// Grounded on github.com/prometheus/client_golang, the one metrics
// dependency anywhere in the retrieval pack (vjache-cie). No HTTP exporter
// is wired - spec.md §1 lists "providing a human UI beyond progress
// counters and structured diagnostics" as a non-goal, so these counters are
// read back in-process for the final summary line, never scraped.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats holds the counters the setup driver reports at the end of a run.
type Stats struct {
	registry *prometheus.Registry

	ReposFetched  prometheus.Counter
	CacheHits     *prometheus.CounterVec // labeled by source: local_git, local_cas, remote_cas, generator
	FatalErrors   prometheus.Counter
	Warnings      prometheus.Counter
}

// New creates a fresh, unregistered-with-the-default-registry Stats (each
// driver invocation gets its own registry so repeated calls in the same
// process, e.g. in tests, never collide on metric registration).
func New() *Stats {
	reg := prometheus.NewRegistry()
	s := &Stats{
		registry: reg,
		ReposFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "justmr_repos_fetched_total",
			Help: "Number of repositories materialized into the local Git store.",
		}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "justmr_cache_hits_total",
			Help: "Number of tree/content resolutions satisfied from each source.",
		}, []string{"source"}),
		FatalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "justmr_fatal_errors_total",
			Help: "Number of fatal diagnostics raised during the run.",
		}),
		Warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "justmr_warnings_total",
			Help: "Number of non-fatal diagnostics raised during the run.",
		}),
	}
	reg.MustRegister(s.ReposFetched, s.CacheHits, s.FatalErrors, s.Warnings)
	return s
}

// Snapshot is a point-in-time read of the counters, for the textual summary
// the driver prints at the end of a run.
type Snapshot struct {
	ReposFetched int
	CacheHits    map[string]int
	FatalErrors  int
	Warnings     int
}

func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		ReposFetched: int(readCounter(s.ReposFetched)),
		CacheHits:    map[string]int{},
		FatalErrors:  int(readCounter(s.FatalErrors)),
		Warnings:     int(readCounter(s.Warnings)),
	}
	for _, source := range []string{"local_git", "local_cas", "remote_cas", "generator"} {
		snap.CacheHits[source] = int(readCounter(s.CacheHits.WithLabelValues(source)))
	}
	return snap
}

// readCounter reads a counter's current value back out. prometheus.Counter
// does not expose its value directly; Write() into a dto.Metric is the
// supported read-back path collectors use internally.
func readCounter(c prometheus.Counter) float64 {
	dm := &dto.Metric{}
	if err := c.Write(dm); err != nil {
		return 0
	}
	if dm.Counter == nil {
		return 0
	}
	return dm.Counter.GetValue()
}
