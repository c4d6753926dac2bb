// Package segment partitions a session's entry tree into analyzable task
// segments. Everything here is a pure function of the parsed session; no
// I/O happens in this package.
package segment

import (
	"sort"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Config controls boundary detection.
type Config struct {
	// ResumeGapMinutes is the wall-clock gap between consecutive entries
	// that cuts a resume boundary. Zero disables resume boundaries.
	ResumeGapMinutes int
}

// DefaultConfig returns the standard boundary settings.
func DefaultConfig() Config {
	return Config{ResumeGapMinutes: 10}
}

// Result is the output of Extract: segments partition the session's
// entries; boundaries record why each cut happened.
type Result struct {
	Segments   []types.Segment
	Boundaries []types.Boundary
}

// boundaryPriority orders boundary kinds when several trigger at one
// entry: compaction > handoff > tree_jump > branch > resume.
var boundaryPriority = map[types.BoundaryKind]int{
	types.BoundaryCompaction: 5,
	types.BoundaryHandoff:    4,
	types.BoundaryTreeJump:   3,
	types.BoundaryBranch:     2,
	types.BoundaryResume:     1,
}

// Extract detects boundaries and cuts segments. The returned segments are
// disjoint, cover every entry, and preserve entry order, so the node IDs
// derived from their spans are stable across runs.
func Extract(sess *types.Session, cfg Config) Result {
	timer := logging.StartTimer(logging.CategorySegment, "Extract")
	defer timer.Stop()

	var res Result
	entries := sess.Entries
	if len(entries) == 0 {
		logging.SegmentDebug("No entries in %s: zero segments", sess.Path)
		return res
	}

	// Leaf tracker state.
	currentLeaf := ""
	children := make(map[string]int, len(entries))

	segStart := 0
	var opening *types.Boundary

	closeSegment := func(end int, next *types.Boundary) {
		seg := buildSegment(sess, entries, segStart, end, opening, cfg)
		res.Segments = append(res.Segments, seg)
		opening = next
	}

	for i, e := range entries {
		if i > 0 {
			kind := detectBoundary(e, entries[i-1], currentLeaf, children, cfg)
			if kind != "" {
				b := types.Boundary{Kind: kind, EntryID: e.ID, Index: i}
				res.Boundaries = append(res.Boundaries, b)
				closeSegment(i-1, &b)
				segStart = i
			}
		}
		if e.ParentID != "" {
			children[e.ParentID]++
		}
		currentLeaf = e.ID
	}
	closeSegment(len(entries)-1, nil)

	logging.SegmentDebug("Extracted %d segments, %d boundaries from %s",
		len(res.Segments), len(res.Boundaries), sess.Path)
	return res
}

// detectBoundary evaluates every boundary condition at entry e and returns
// the highest-priority kind, or "" when the entry continues the segment.
func detectBoundary(e, prev types.Entry, currentLeaf string, children map[string]int, cfg Config) types.BoundaryKind {
	best := types.BoundaryKind("")
	consider := func(k types.BoundaryKind) {
		if best == "" || boundaryPriority[k] > boundaryPriority[best] {
			best = k
		}
	}

	if e.Type == types.EntryCompaction {
		consider(types.BoundaryCompaction)
	}
	if e.Type == types.EntryMarker && e.Marker == types.MarkerHandoff {
		consider(types.BoundaryHandoff)
	}
	// A parent that is neither the current leaf nor absent means the new
	// entry jumped elsewhere in the tree. An unknown parent counts: the
	// entry claims an ancestry this file never recorded.
	if e.ParentID != "" && e.ParentID != currentLeaf {
		consider(types.BoundaryTreeJump)
	}
	if e.ParentID != "" && children[e.ParentID] > 0 {
		consider(types.BoundaryBranch)
	}
	if cfg.ResumeGapMinutes > 0 && !e.Timestamp.IsZero() && !prev.Timestamp.IsZero() {
		gap := e.Timestamp.Sub(prev.Timestamp)
		if gap >= time.Duration(cfg.ResumeGapMinutes)*time.Minute {
			consider(types.BoundaryResume)
		}
	}
	return best
}

// buildSegment assembles one segment with its signals.
func buildSegment(sess *types.Session, entries []types.Entry, start, end int, opening *types.Boundary, cfg Config) types.Segment {
	span := entries[start : end+1]
	isLast := end == len(entries)-1

	seg := types.Segment{
		StartID:      span[0].ID,
		EndID:        span[len(span)-1].ID,
		StartIndex:   start,
		EndIndex:     end,
		StartedAt:    span[0].Timestamp,
		EndedAt:      span[len(span)-1].Timestamp,
		Opening:      opening,
		FilesTouched: collectFiles(span),
	}
	seg.Friction = frictionSignals(span, isLast)
	seg.Delight = delightSignals(span)
	return seg
}

func collectFiles(entries []types.Entry) []string {
	set := make(map[string]struct{})
	for _, e := range entries {
		for _, f := range e.Files {
			set[f] = struct{}{}
		}
	}
	if len(set) == 0 {
		return nil
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// =============================================================================
// ABANDONED RESTART
// =============================================================================

// abandonedRestartWindow is how soon after an abandoned segment a new one
// must start to count as a restart of the same work.
const abandonedRestartWindow = 30 * time.Minute

// abandonedRestartOverlap is the minimum file-touch overlap coefficient.
const abandonedRestartOverlap = 0.30

// IsAbandonedRestart reports whether seg restarts the work of a prior
// segment: the prior outcome was abandoned, seg starts within 30 minutes
// of the prior end, and the file-touch sets overlap by at least 30%
// (overlap coefficient: intersection over the smaller set).
func IsAbandonedRestart(priorOutcome types.Outcome, priorEnd time.Time, priorFiles []string, seg types.Segment) bool {
	if priorOutcome != types.OutcomeAbandoned {
		return false
	}
	if priorEnd.IsZero() || seg.StartedAt.IsZero() {
		return false
	}
	if gap := seg.StartedAt.Sub(priorEnd); gap < 0 || gap > abandonedRestartWindow {
		return false
	}
	return fileOverlap(priorFiles, seg.FilesTouched) >= abandonedRestartOverlap
}

func fileOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	shared := 0
	for _, f := range b {
		if _, ok := set[f]; ok {
			shared++
		}
	}
	min := len(a)
	if len(b) < min {
		min = len(b)
	}
	return float64(shared) / float64(min)
}
