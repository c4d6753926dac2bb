package segment

import (
	"fmt"
	"testing"
	"time"

	"engram/internal/types"

	"github.com/google/go-cmp/cmp"
)

func linearEntries(n int, start time.Time, step time.Duration) []types.Entry {
	entries := make([]types.Entry, n)
	for i := 0; i < n; i++ {
		e := types.Entry{
			ID:        fmt.Sprintf("e%d", i+1),
			Timestamp: start.Add(time.Duration(i) * step),
			Type:      types.EntryUser,
		}
		if i > 0 {
			e.ParentID = fmt.Sprintf("e%d", i)
		}
		entries[i] = e
	}
	return entries
}

func sessionOf(entries []types.Entry) *types.Session {
	return &types.Session{Path: "s.jsonl", Header: types.SessionHeader{Cwd: "/p"}, Entries: entries}
}

// checkPartition verifies the core invariant: segments are disjoint,
// covering, and order-preserving over the input entries.
func checkPartition(t *testing.T, entries []types.Entry, segments []types.Segment) {
	t.Helper()
	covered := 0
	next := 0
	for _, seg := range segments {
		if seg.StartIndex != next {
			t.Fatalf("Segment starts at %d, expected %d", seg.StartIndex, next)
		}
		if seg.EndIndex < seg.StartIndex {
			t.Fatalf("Segment end %d before start %d", seg.EndIndex, seg.StartIndex)
		}
		if seg.StartID != entries[seg.StartIndex].ID || seg.EndID != entries[seg.EndIndex].ID {
			t.Fatalf("Segment IDs do not match entry span: %+v", seg)
		}
		covered += seg.EndIndex - seg.StartIndex + 1
		next = seg.EndIndex + 1
	}
	if covered != len(entries) {
		t.Fatalf("Segments cover %d entries, expected %d", covered, len(entries))
	}
}

func TestExtractEmptySession(t *testing.T) {
	res := Extract(sessionOf(nil), DefaultConfig())
	if len(res.Segments) != 0 || len(res.Boundaries) != 0 {
		t.Fatalf("Expected zero segments for empty session, got %+v", res)
	}
}

func TestExtractSingleSegment(t *testing.T) {
	entries := linearEntries(10, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), time.Second)
	res := Extract(sessionOf(entries), DefaultConfig())

	if len(res.Segments) != 1 {
		t.Fatalf("Expected 1 segment, got %d", len(res.Segments))
	}
	seg := res.Segments[0]
	if seg.StartID != "e1" || seg.EndID != "e10" {
		t.Errorf("Expected span e1..e10, got %s..%s", seg.StartID, seg.EndID)
	}
	checkPartition(t, entries, res.Segments)
}

func TestExtractResumeBoundary(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(5, start, time.Second)
	// Five more entries starting 20 minutes later.
	for i := 5; i < 10; i++ {
		entries = append(entries, types.Entry{
			ID:        fmt.Sprintf("e%d", i+1),
			ParentID:  fmt.Sprintf("e%d", i),
			Timestamp: start.Add(20*time.Minute + time.Duration(i-5)*time.Second),
			Type:      types.EntryUser,
		})
	}

	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(res.Segments))
	}
	if len(res.Boundaries) != 1 || res.Boundaries[0].Kind != types.BoundaryResume {
		t.Fatalf("Expected one resume boundary, got %+v", res.Boundaries)
	}
	if res.Segments[1].Opening == nil || res.Segments[1].Opening.Kind != types.BoundaryResume {
		t.Errorf("Second segment should open with resume boundary")
	}
	checkPartition(t, entries, res.Segments)
}

func TestResumeGapZeroDisables(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(3, start, time.Hour) // huge gaps

	res := Extract(sessionOf(entries), Config{ResumeGapMinutes: 0})
	if len(res.Segments) != 1 {
		t.Fatalf("resume_gap_minutes=0 should disable resume boundaries, got %d segments", len(res.Segments))
	}
}

func TestExtractCompactionBoundary(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(4, start, time.Second)
	entries[2].Type = types.EntryCompaction

	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(res.Segments))
	}
	if res.Boundaries[0].Kind != types.BoundaryCompaction || res.Boundaries[0].EntryID != "e3" {
		t.Errorf("Expected compaction at e3, got %+v", res.Boundaries[0])
	}
}

func TestExtractHandoffBoundary(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(4, start, time.Second)
	entries[2].Type = types.EntryMarker
	entries[2].Marker = types.MarkerHandoff

	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Boundaries) != 1 || res.Boundaries[0].Kind != types.BoundaryHandoff {
		t.Fatalf("Expected handoff boundary, got %+v", res.Boundaries)
	}
}

func TestExtractUnknownParentIsTreeJump(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(3, start, time.Second)
	entries = append(entries, types.Entry{
		ID:        "e4",
		ParentID:  "never-seen",
		Timestamp: start.Add(3 * time.Second),
		Type:      types.EntryUser,
	})

	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Boundaries) != 1 || res.Boundaries[0].Kind != types.BoundaryTreeJump {
		t.Fatalf("Unknown parent should cut a tree_jump, got %+v", res.Boundaries)
	}
	checkPartition(t, entries, res.Segments)
}

func TestExtractBranchBoundary(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := []types.Entry{
		{ID: "e1", Timestamp: start, Type: types.EntryUser},
		{ID: "e2", ParentID: "e1", Timestamp: start.Add(time.Second), Type: types.EntryAssistant, Text: "ok"},
		{ID: "e3", ParentID: "e2", Timestamp: start.Add(2 * time.Second), Type: types.EntryUser},
		// e4 branches back off e2: tree_jump (parent != leaf) outranks branch.
		{ID: "e4", ParentID: "e2", Timestamp: start.Add(3 * time.Second), Type: types.EntryUser},
		// e5 branches off e2 again; e2 already has children, and e4 was the
		// leaf, so both tree_jump and branch trigger; tree_jump wins.
		{ID: "e5", ParentID: "e2", Timestamp: start.Add(4 * time.Second), Type: types.EntryUser},
	}

	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Boundaries) != 2 {
		t.Fatalf("Expected 2 boundaries, got %+v", res.Boundaries)
	}
	for _, b := range res.Boundaries {
		if b.Kind != types.BoundaryTreeJump {
			t.Errorf("tree_jump outranks branch at one entry, got %s", b.Kind)
		}
	}
	checkPartition(t, entries, res.Segments)
}

func TestSecondChildIsTreeJump(t *testing.T) {
	// e2 and e3 are both children of e1. When e3 arrives the leaf is e2, so
	// e3 triggers both branch (e1 already has a child) and tree_jump (e1 is
	// not the leaf); tree_jump has the higher priority.
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := []types.Entry{
		{ID: "e1", Timestamp: start, Type: types.EntryUser},
		{ID: "e2", ParentID: "e1", Timestamp: start.Add(time.Second), Type: types.EntryAssistant, Text: "ok"},
		{ID: "e3", ParentID: "e1", Timestamp: start.Add(2 * time.Second), Type: types.EntryUser},
	}
	res := Extract(sessionOf(entries), DefaultConfig())
	if len(res.Boundaries) != 1 {
		t.Fatalf("Expected 1 boundary, got %+v", res.Boundaries)
	}
	// Priority: tree_jump (parent e1 != leaf e2) beats branch (e1 has a child).
	if res.Boundaries[0].Kind != types.BoundaryTreeJump {
		t.Errorf("Expected tree_jump, got %s", res.Boundaries[0].Kind)
	}
}

func TestSegmentIDStability(t *testing.T) {
	start := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	entries := linearEntries(8, start, time.Second)
	entries[4].Type = types.EntryCompaction

	first := Extract(sessionOf(entries), DefaultConfig())
	second := Extract(sessionOf(entries), DefaultConfig())

	if diff := cmp.Diff(spans(first.Segments), spans(second.Segments)); diff != "" {
		t.Errorf("Segment spans not stable across runs:\n%s", diff)
	}
}

func spans(segments []types.Segment) [][2]string {
	out := make([][2]string, len(segments))
	for i, s := range segments {
		out[i] = [2]string{s.StartID, s.EndID}
	}
	return out
}

func TestIsAbandonedRestart(t *testing.T) {
	priorEnd := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	seg := types.Segment{
		StartedAt:    priorEnd.Add(10 * time.Minute),
		FilesTouched: []string{"a.go", "b.go", "c.go"},
	}

	priorFiles := []string{"a.go", "b.go", "x.go"}
	if !IsAbandonedRestart(types.OutcomeAbandoned, priorEnd, priorFiles, seg) {
		t.Error("Expected restart: abandoned, 10min gap, 2/3 overlap")
	}

	if IsAbandonedRestart(types.OutcomeFailed, priorEnd, priorFiles, seg) {
		t.Error("Non-abandoned outcome should not count")
	}

	late := seg
	late.StartedAt = priorEnd.Add(time.Hour)
	if IsAbandonedRestart(types.OutcomeAbandoned, priorEnd, priorFiles, late) {
		t.Error("Gap beyond 30 minutes should not count")
	}

	if IsAbandonedRestart(types.OutcomeAbandoned, priorEnd, []string{"z.go", "y.go", "w.go", "v.go"}, seg) {
		t.Error("Overlap below 30%% should not count")
	}
}
