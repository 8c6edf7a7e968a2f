// Package fallback records the places where the ETL substituted a default
// for missing or unrecognized input. Every substitution is logged as a
// structured warning and counted per kind so callers (and tests) can assert
// on how often a fallback happened during a run.
package fallback

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Kind classifies a fallback event.
type Kind string

const (
	ConfigDefault       Kind = "config_default"
	UnmappedCode        Kind = "unmapped_code"
	UnmappedPerson      Kind = "unmapped_person"
	UnresolvedConcept   Kind = "unresolved_concept"
	MissingColumn       Kind = "missing_column"
	InvalidOptionalDate Kind = "invalid_optional_date"
	EmptyTable          Kind = "empty_table"
	MissingSource       Kind = "missing_source"
	NegativeDrugSpan    Kind = "negative_drug_span"
	TargetNotEmpty      Kind = "target_not_empty"
)

// Recorder logs and counts fallback events.
type Recorder struct {
	mu     sync.Mutex
	logger zerolog.Logger
	counts map[Kind]int
	// verbose controls whether every event is logged or only the first of
	// each kind; high-volume kinds (one per row) would otherwise flood logs.
	verbose bool
}

// NewRecorder creates a Recorder that logs the first event of every kind.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{logger: logger, counts: make(map[Kind]int)}
}

// NewVerboseRecorder creates a Recorder that logs every event.
func NewVerboseRecorder(logger zerolog.Logger) *Recorder {
	r := NewRecorder(logger)
	r.verbose = true
	return r
}

// Record counts an event and emits a warning. kv is a flat list of
// key/value pairs attached to the log line.
func (r *Recorder) Record(kind Kind, msg string, kv ...string) {
	r.mu.Lock()
	r.counts[kind]++
	n := r.counts[kind]
	r.mu.Unlock()

	if !r.verbose && n > 1 {
		return
	}

	evt := r.logger.Warn().Str("kind", string(kind))
	for i := 0; i+1 < len(kv); i += 2 {
		evt = evt.Str(kv[i], kv[i+1])
	}
	evt.Msg(msg)
}

// Count returns how many events of the given kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// Total returns the number of recorded events across all kinds.
func (r *Recorder) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the per-kind counts.
func (r *Recorder) Snapshot() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Summarize logs one line per kind with the final count. Called once at the
// end of a run so that suppressed repeats are still visible.
func (r *Recorder) Summarize() {
	snap := r.Snapshot()
	kinds := make([]string, 0, len(snap))
	for k := range snap {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		r.logger.Info().Str("kind", k).Int("count", snap[Kind(k)]).Msg("fallback summary")
	}
}
