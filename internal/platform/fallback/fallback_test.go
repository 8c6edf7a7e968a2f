package fallback

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRecorder_CountsPerKind(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	r.Record(UnmappedPerson, "unmapped", "patient", "p9")
	r.Record(UnmappedPerson, "unmapped", "patient", "p10")
	r.Record(EmptyTable, "empty", "table", "conditions")

	if got := r.Count(UnmappedPerson); got != 2 {
		t.Errorf("expected 2 unmapped_person events, got %d", got)
	}
	if got := r.Count(EmptyTable); got != 1 {
		t.Errorf("expected 1 empty_table event, got %d", got)
	}
	if got := r.Count(ConfigDefault); got != 0 {
		t.Errorf("expected 0 config_default events, got %d", got)
	}
	if got := r.Total(); got != 3 {
		t.Errorf("expected total 3, got %d", got)
	}
}

func TestRecorder_LogsFirstOccurrenceOnly(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(zerolog.New(&buf))
	r.Record(UnmappedCode, "unmapped code", "value", "x")
	r.Record(UnmappedCode, "unmapped code", "value", "y")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"kind":"unmapped_code"`) {
		t.Errorf("expected kind field in log line, got %s", lines[0])
	}
	if !strings.Contains(lines[0], `"value":"x"`) {
		t.Errorf("expected value field in log line, got %s", lines[0])
	}
	if r.Count(UnmappedCode) != 2 {
		t.Errorf("expected suppressed events to be counted")
	}
}

func TestRecorder_VerboseLogsEverything(t *testing.T) {
	var buf bytes.Buffer
	r := NewVerboseRecorder(zerolog.New(&buf))
	r.Record(MissingColumn, "missing")
	r.Record(MissingColumn, "missing")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 log lines, got %d", len(lines))
	}
}

func TestRecorder_SnapshotIsCopy(t *testing.T) {
	r := NewRecorder(zerolog.Nop())
	r.Record(TargetNotEmpty, "not empty")
	snap := r.Snapshot()
	snap[TargetNotEmpty] = 99
	if r.Count(TargetNotEmpty) != 1 {
		t.Error("mutating the snapshot must not change the recorder")
	}
}
