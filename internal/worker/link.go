package worker

import (
	"engram/internal/logging"
	"engram/internal/segment"
	"engram/internal/types"
)

// linkStructural connects a freshly committed node to its predecessors
// using the session topology:
//
//   - previous segment in the same session -> continuation, or the edge
//     matching the boundary that opened this segment (resume, branch,
//     tree_jump, compaction, handoff)
//   - session with a parent header -> fork edge to the node containing
//     the parent entry (first segment only)
//   - abandoned prior segment restarted here -> abandoned_restart
//
// Segment edges point from predecessor to successor; the fork edge points
// from the child session's node to the parent node. All writes are
// idempotent.
func (p *Pool) linkStructural(sess *types.Session, segments []types.Segment, segIndex int, node *types.Node) error {
	if segIndex > 0 {
		prev := segments[segIndex-1]
		prevID, err := p.store.PreviousSegmentNode(node.SessionFile, prev.EndID)
		if err != nil {
			return err
		}
		if prevID != "" {
			edgeType := types.EdgeContinuation
			if b := segments[segIndex].Opening; b != nil {
				if t, ok := boundaryEdgeTypes[b.Kind]; ok {
					edgeType = t
				}
			}
			if err := p.store.AddEdge(types.Edge{
				Source:    prevID,
				Target:    node.ID,
				Type:      edgeType,
				CreatedBy: types.EdgeByBoundary,
			}); err != nil {
				return err
			}

			// Abandoned-restart recognition against the prior segment's node.
			if meta, metaErr := p.store.NodeMetaByID(prevID); metaErr == nil {
				if segment.IsAbandonedRestart(meta.Outcome, meta.Timestamp, meta.Files, segments[segIndex]) {
					if err := p.store.AddEdge(types.Edge{
						Source:    prevID,
						Target:    node.ID,
						Type:      types.EdgeAbandonedRestart,
						CreatedBy: types.EdgeByBoundary,
					}); err != nil {
						return err
					}
				}
			}
		} else {
			logging.WorkerDebug("Previous segment of %s not analyzed yet; no structural edge", node.ID)
		}
	}

	// Forward link: initial jobs analyze latest-first, so the successor
	// segment's node may already exist when this one commits. Linking both
	// directions keeps the chain intact regardless of analysis order.
	if segIndex+1 < len(segments) {
		next := segments[segIndex+1]
		nextID, err := p.store.PreviousSegmentNode(node.SessionFile, next.EndID)
		if err != nil {
			return err
		}
		if nextID != "" && nextID != node.ID {
			edgeType := types.EdgeContinuation
			if b := next.Opening; b != nil {
				if t, ok := boundaryEdgeTypes[b.Kind]; ok {
					edgeType = t
				}
			}
			if err := p.store.AddEdge(types.Edge{
				Source:    node.ID,
				Target:    nextID,
				Type:      edgeType,
				CreatedBy: types.EdgeByBoundary,
			}); err != nil {
				return err
			}
		}
	}

	// Fork: the first node of a child session links to the node containing
	// the parent entry in the parent session.
	if segIndex == 0 && sess.Header.ParentSession != nil {
		parent := sess.Header.ParentSession
		targetID, err := p.store.NodeContainingEntry(parent.Path, parent.EntryID)
		if err != nil {
			return err
		}
		if targetID == "" {
			targetID, err = p.store.LastNodeOfSession(parent.Path)
			if err != nil {
				return err
			}
		}
		if targetID != "" && targetID != node.ID {
			if err := p.store.AddEdge(types.Edge{
				Source:    node.ID,
				Target:    targetID,
				Type:      types.EdgeFork,
				CreatedBy: types.EdgeByBoundary,
			}); err != nil {
				return err
			}
		} else if targetID == "" {
			logging.WorkerDebug("Parent session %s has no analyzed node; fork edge deferred", parent.Path)
		}
	}

	return nil
}

// boundaryEdgeTypes maps the boundary that opened a segment onto the
// structural edge type crossing it.
var boundaryEdgeTypes = map[types.BoundaryKind]types.EdgeType{
	types.BoundaryResume:     types.EdgeResume,
	types.BoundaryBranch:     types.EdgeBranch,
	types.BoundaryTreeJump:   types.EdgeTreeJump,
	types.BoundaryCompaction: types.EdgeCompaction,
	types.BoundaryHandoff:    types.EdgeHandoff,
}
