package worker

import (
	"context"
	"fmt"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/store"
	"engram/internal/types"
)

// Connection discovery runs against one node: vector-search its
// neighborhood for semantic edges and try to resolve any unresolved
// analyzer references.

const (
	// discoveryLimit bounds the vector neighborhood considered per node.
	discoveryLimit = 10
	// semanticDistanceMax is the cosine distance ceiling for a semantic edge.
	semanticDistanceMax = 0.35
)

// discover handles a connection_discovery job.
func (p *Pool) discover(ctx context.Context, job *types.Job) error {
	timer := logging.StartTimer(logging.CategoryWorker, "discover")
	defer timer.Stop()

	if job.NodeID == "" {
		return types.Permanent(types.ReasonValidation, fmt.Errorf("discovery job %s has no target node", job.ID))
	}
	node, err := p.store.GetNode(job.NodeID)
	if err != nil {
		return types.Permanent(types.ReasonValidation, fmt.Errorf("discovery target missing: %w", err))
	}
	if p.engine == nil {
		logging.WorkerDebug("No embedding engine; skipping discovery for %s", job.NodeID)
		return nil
	}

	text := embedding.BuildNodeText(node)
	vec, err := p.engine.Embed(ctx, text)
	if err != nil {
		return types.Transient(types.ReasonNetwork, fmt.Errorf("discovery embedding failed: %w", err))
	}

	matches, err := p.store.SearchByVector(vec, discoveryLimit+1, store.SearchFilters{})
	if err != nil {
		return err
	}

	created := 0
	for _, m := range matches {
		if m.NodeID == node.ID || m.Distance > semanticDistanceMax {
			continue
		}
		if err := p.store.AddEdge(types.Edge{
			Source:     node.ID,
			Target:     m.NodeID,
			Type:       types.EdgeSemantic,
			CreatedBy:  types.EdgeByDaemon,
			Similarity: 1 - m.Distance,
			Confidence: 1 - m.Distance,
		}); err != nil {
			return err
		}
		created++
	}

	resolved, err := p.resolveUnresolved(ctx, node)
	if err != nil {
		return err
	}

	logging.Worker("Discovery for %s: %d semantic edges, %d references resolved", node.ID, created, resolved)
	return nil
}

// resolveUnresolved retries the node's sentinel-target reference edges
// against the full-text index.
func (p *Pool) resolveUnresolved(_ context.Context, node *types.Node) (int, error) {
	edges, err := p.store.EdgesFor(node.ID, store.DirOutgoing, nil)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range edges {
		if e.Target != types.UnresolvedTargetID || e.UnresolvedTarget == "" {
			continue
		}
		hits, searchErr := p.store.SearchNodes(e.UnresolvedTarget, 1, 0)
		if searchErr != nil || len(hits) == 0 {
			continue
		}
		target := hits[0].NodeID
		if target == node.ID {
			continue
		}
		if err := p.store.AddEdge(types.Edge{
			Source:           node.ID,
			Target:           target,
			Type:             e.Type,
			CreatedBy:        types.EdgeByDaemon,
			Confidence:       e.Confidence,
			UnresolvedTarget: e.UnresolvedTarget,
		}); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}
