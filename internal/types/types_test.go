package types

import (
	"regexp"
	"testing"
	"time"
)

func TestDeterministicNodeID(t *testing.T) {
	id := DeterministicNodeID("s1.jsonl", "e1", "e10")

	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(id) {
		t.Fatalf("Expected 16 hex chars, got %q", id)
	}

	// Byte-equal across runs.
	if again := DeterministicNodeID("s1.jsonl", "e1", "e10"); again != id {
		t.Errorf("ID not stable: %q vs %q", id, again)
	}

	// Distinct inputs differ.
	if other := DeterministicNodeID("s1.jsonl", "e1", "e11"); other == id {
		t.Errorf("Distinct inputs collided: %q", id)
	}
}

func TestDeterministicNodeIDLengthPrefix(t *testing.T) {
	// Without length prefixes these two would hash the same bytes.
	a := DeterministicNodeID("ab", "c", "d")
	b := DeterministicNodeID("a", "bc", "d")
	if a == b {
		t.Fatalf("Length-prefix property violated: %q == %q", a, b)
	}

	c := DeterministicNodeID("s|1", "e|2", "e3")
	d := DeterministicNodeID("s", "1|e|2", "e3")
	if c == d {
		t.Fatalf("Delimiter inputs collided: %q == %q", c, d)
	}
}

func TestSessionLeaf(t *testing.T) {
	sess := &Session{
		Entries: []Entry{
			{ID: "e1"},
			{ID: "e2", ParentID: "e1"},
			{ID: "e3", ParentID: "e2"},
		},
	}
	if leaf := sess.Leaf(); leaf != "e3" {
		t.Errorf("Expected leaf e3, got %q", leaf)
	}

	// Branch: e4 also forks off e2, becomes the latest childless entry.
	sess.Entries = append(sess.Entries, Entry{ID: "e4", ParentID: "e2"})
	if leaf := sess.Leaf(); leaf != "e4" {
		t.Errorf("Expected leaf e4 after branch, got %q", leaf)
	}

	empty := &Session{}
	if leaf := empty.Leaf(); leaf != "" {
		t.Errorf("Expected empty leaf for empty session, got %q", leaf)
	}
}

func TestPriorityForKind(t *testing.T) {
	if PriorityForKind(JobInitial) >= PriorityForKind(JobReanalysis) {
		t.Error("initial must outrank reanalysis")
	}
	if PriorityForKind(JobReanalysis) >= PriorityForKind(JobConnectionDiscovery) {
		t.Error("reanalysis must outrank connection discovery")
	}
}

func TestTypedError(t *testing.T) {
	underlying := &Error{Kind: ErrTransient, Reason: ReasonTimeout}
	if underlying.Error() == "" {
		t.Error("Expected non-empty error string")
	}

	wrapped := Transient(ReasonRateLimit, underlying)
	if wrapped.Unwrap() != underlying {
		t.Error("Unwrap should return the underlying error")
	}
	if wrapped.Kind != ErrTransient || wrapped.Reason != ReasonRateLimit {
		t.Errorf("Unexpected classification: %+v", wrapped)
	}
}

func TestEntryTimestampJSON(t *testing.T) {
	e := Entry{ID: "e1", Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	if e.Timestamp.IsZero() {
		t.Fatal("timestamp should round-trip")
	}
}
