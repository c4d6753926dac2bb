package store

import (
	"fmt"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Direction selects which edges a traversal follows.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
	DirBoth     Direction = "both"
)

// Subgraph is the result of a traversal, suitable for rendering.
type Subgraph struct {
	Nodes []*types.Node
	Edges []types.Edge
}

// MaxTraversalDepth bounds every graph walk.
const MaxTraversalDepth = 5

// AddEdge inserts or replaces a typed edge. (source, target, type) is
// unique; self-edges are rejected.
func (s *Store) AddEdge(e types.Edge) error {
	timer := logging.StartTimer(logging.CategoryGraph, "AddEdge")
	defer timer.Stop()

	if e.Source == "" || e.Target == "" || e.Type == "" {
		return fmt.Errorf("invalid edge: source/target/type must be non-empty")
	}
	if e.Source == e.Target {
		return fmt.Errorf("invalid edge: self-edge %s -[%s]-> itself", e.Source, e.Type)
	}
	if e.CreatedBy == "" {
		e.CreatedBy = types.EdgeByDaemon
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.GraphDebug("Storing edge: %s -[%s]-> %s (by=%s)", e.Source, e.Type, e.Target, e.CreatedBy)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO edges
			(source, target, type, created_by, confidence, similarity, unresolved_target, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Source, e.Target, string(e.Type), e.CreatedBy, e.Confidence, e.Similarity,
		e.UnresolvedTarget, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store edge: %w", err)
	}
	return nil
}

// EdgesFor retrieves a node's edges in the given direction, optionally
// restricted to a set of edge types.
func (s *Store) EdgesFor(nodeID string, dir Direction, edgeTypes []types.EdgeType) ([]types.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgesForLocked(nodeID, dir, edgeTypes)
}

// edgesForLocked assumes the caller holds at least s.mu.RLock; the BFS
// below calls it per frontier node and must not re-acquire the lock.
func (s *Store) edgesForLocked(nodeID string, dir Direction, edgeTypes []types.EdgeType) ([]types.Edge, error) {
	query := "SELECT source, target, type, created_by, confidence, similarity, COALESCE(unresolved_target,''), created_at FROM edges WHERE "
	var args []interface{}
	switch dir {
	case DirOutgoing:
		query += "source = ?"
		args = append(args, nodeID)
	case DirIncoming:
		query += "target = ?"
		args = append(args, nodeID)
	default:
		query += "(source = ? OR target = ?)"
		args = append(args, nodeID, nodeID)
	}
	if len(edgeTypes) > 0 {
		query += " AND type IN (?" + repeatPlaceholder(len(edgeTypes)-1) + ")"
		for _, t := range edgeTypes {
			args = append(args, string(t))
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("edge query failed for %s: %w", nodeID, err)
	}
	defer rows.Close()

	var edges []types.Edge
	for rows.Next() {
		var e types.Edge
		var et string
		if err := rows.Scan(&e.Source, &e.Target, &et, &e.CreatedBy, &e.Confidence, &e.Similarity, &e.UnresolvedTarget, &e.CreatedAt); err != nil {
			logging.Get(logging.CategoryGraph).Warn("Edge row scan failed: %v", err)
			continue
		}
		e.Type = types.EdgeType(et)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// Traverse runs a BFS from root up to maxDepth (clamped to [1,5]) and
// returns the visited subgraph. Cycles are handled with a visited set; no
// node appears more than maxDepth edges from the root.
func (s *Store) Traverse(root string, maxDepth int, dir Direction, edgeTypes []types.EdgeType) (*Subgraph, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "Traverse")
	defer timer.Stop()

	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	visited := map[string]bool{root: true}
	seenEdge := make(map[string]bool)
	frontier := []string{root}
	var allEdges []types.Edge

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.edgesForLocked(id, dir, edgeTypes)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				key := e.Source + "|" + e.Target + "|" + string(e.Type)
				if !seenEdge[key] {
					seenEdge[key] = true
					allEdges = append(allEdges, e)
				}
				other := e.Target
				if other == id {
					other = e.Source
				}
				if other == types.UnresolvedTargetID {
					continue
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	sub := &Subgraph{Edges: allEdges}
	for id := range visited {
		node, err := s.getNodeLocked(id)
		if err != nil {
			logging.GraphDebug("Traversal node %s not loadable: %v", id, err)
			continue
		}
		sub.Nodes = append(sub.Nodes, node)
	}

	logging.GraphDebug("Traverse from %s depth=%d: %d nodes, %d edges", root, maxDepth, len(sub.Nodes), len(sub.Edges))
	return sub, nil
}

// ShortestPath finds a path between two nodes with a bidirectional-ish
// BFS over both directions, bounded by maxDepth.
func (s *Store) ShortestPath(from, to string, maxDepth int) ([]types.Edge, error) {
	timer := logging.StartTimer(logging.CategoryGraph, "ShortestPath")
	defer timer.Stop()

	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type hop struct {
		node string
		via  *types.Edge
		prev *hop
	}
	visited := map[string]bool{from: true}
	frontier := []*hop{{node: from}}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []*hop
		for _, h := range frontier {
			edges, err := s.edgesForLocked(h.node, DirBoth, nil)
			if err != nil {
				return nil, err
			}
			for i := range edges {
				e := edges[i]
				other := e.Target
				if other == h.node {
					other = e.Source
				}
				if visited[other] {
					continue
				}
				visited[other] = true
				nh := &hop{node: other, via: &e, prev: h}
				if other == to {
					var path []types.Edge
					for cur := nh; cur.via != nil; cur = cur.prev {
						path = append([]types.Edge{*cur.via}, path...)
					}
					return path, nil
				}
				next = append(next, nh)
			}
		}
		frontier = next
	}
	return nil, nil
}

// Ancestors returns the subgraph reachable via incoming edges only.
func (s *Store) Ancestors(nodeID string, maxDepth int) (*Subgraph, error) {
	return s.Traverse(nodeID, maxDepth, DirIncoming, nil)
}

// Descendants returns the subgraph reachable via outgoing edges only.
func (s *Store) Descendants(nodeID string, maxDepth int) (*Subgraph, error) {
	return s.Traverse(nodeID, maxDepth, DirOutgoing, nil)
}
