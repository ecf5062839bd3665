package id_test

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/xraph/conduit/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"DLQID", id.NewDLQID, "dlq_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
			if len(got) != len(tt.prefix)+32 {
				t.Errorf("unexpected length %d for %q", len(got), got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"DLQID", id.NewDLQID, id.ParseDLQID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed != original {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseJobID(id.NewDLQID().String()); err == nil {
		t.Error("ParseJobID accepted a dlq_ id")
	}
	if _, err := id.ParseDLQID(id.NewWorkerID().String()); err == nil {
		t.Error("ParseDLQID accepted a wkr_ id")
	}
	if _, err := id.ParseWorkerID(id.NewJobID().String()); err == nil {
		t.Error("ParseWorkerID accepted a job_ id")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"job",
		"job_",
		"_0190f4c2a1b37c3e8f2a9d1e4b5c6d7e",
		"Job_0190f4c2a1b37c3e8f2a9d1e4b5c6d7e",
		"job_0190f4c2a1b37c3e",
		"job_zz90f4c2a1b37c3e8f2a9d1e4b5c6d7e",
		"run_0190f4c2a1b37c3e8f2a9d1e4b5c6d7e",
		"job_0190f4c2-a1b3-7c3e-8f2a-9d1e4b5c6d7e",
	} {
		if _, err := id.Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if i.Prefix() != "" {
		t.Errorf("expected empty prefix, got %q", i.Prefix())
	}
}

func TestMarshalUnmarshalText(t *testing.T) {
	original := id.NewJobID()
	data, err := original.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}

	var restored id.ID
	if unmarshalErr := restored.UnmarshalText(data); unmarshalErr != nil {
		t.Fatalf("UnmarshalText failed: %v", unmarshalErr)
	}
	if restored != original {
		t.Errorf("mismatch: %q != %q", restored.String(), original.String())
	}

	var empty id.ID
	if err := empty.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText(nil) failed: %v", err)
	}
	if !empty.IsNil() {
		t.Error("expected nil after unmarshal of empty text")
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewDLQID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned != original {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}

	var scanned2 id.ID
	if err := scanned2.Scan(nil); err != nil {
		t.Fatalf("Scan(nil) failed: %v", err)
	}
	if !scanned2.IsNil() {
		t.Error("expected nil after scan of nil")
	}

	if err := scanned2.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestSortable(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = id.NewJobID().String()
	}
	if !sort.StringsAreSorted(ids) {
		t.Error("sequentially generated IDs should sort in creation order")
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	jobID := id.NewJobID()
	after := time.Now().Add(time.Millisecond)

	got := jobID.Time()
	if got.Before(before.Truncate(time.Millisecond)) || got.After(after) {
		t.Errorf("Time() = %v, want between %v and %v", got, before, after)
	}
	if !id.Nil.Time().IsZero() {
		t.Error("Nil.Time() should be zero")
	}
}
