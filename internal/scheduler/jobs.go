package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/types"

	"golang.org/x/sync/errgroup"
)

// runReanalysis enqueues one reanalysis job per node whose prompt version
// differs from the current hashed prompt.
func (s *Scheduler) runReanalysis() error {
	current := s.promptVersion()
	ids, err := s.store.NodesWithPromptVersionOther(current)
	if err != nil {
		return fmt.Errorf("reanalysis scan failed: %w", err)
	}
	if len(ids) == 0 {
		logging.SchedulerDebug("Reanalysis: all nodes current at prompt %s", current)
		return nil
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		node, getErr := s.store.GetNode(id)
		if getErr != nil {
			logging.Get(logging.CategoryScheduler).Warn("Reanalysis: cannot load node %s: %v", id, getErr)
			continue
		}
		exists, existsErr := s.queue.HasExistingJob(node.SessionFile, types.JobReanalysis)
		if existsErr == nil && exists {
			continue
		}
		ctxBlob, _ := json.Marshal(types.ReanalysisContext{
			SegmentStart: node.SegmentStart,
			SegmentEnd:   node.SegmentEnd,
		})
		jobs = append(jobs, &types.Job{
			Kind:        types.JobReanalysis,
			SessionPath: node.SessionFile,
			NodeID:      node.ID,
			Context:     ctxBlob,
		})
	}
	if len(jobs) == 0 {
		return nil
	}
	if _, err := s.queue.EnqueueMany(jobs); err != nil {
		return err
	}
	logging.Scheduler("Reanalysis: enqueued %d jobs (prompt %s)", len(jobs), current)
	return nil
}

// runConnectionDiscovery enqueues discovery jobs for recent nodes lacking
// outgoing semantic edges.
func (s *Scheduler) runConnectionDiscovery() error {
	ids, err := s.store.RecentWithoutSemanticEdges(100)
	if err != nil {
		return fmt.Errorf("connection discovery scan failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	jobs := make([]*types.Job, 0, len(ids))
	for _, id := range ids {
		jobs = append(jobs, &types.Job{
			Kind:   types.JobConnectionDiscovery,
			NodeID: id,
		})
	}
	if _, err := s.queue.EnqueueMany(jobs); err != nil {
		return err
	}
	logging.Scheduler("Connection discovery: enqueued %d jobs", len(jobs))
	return nil
}

// backfillConcurrency bounds parallel embedding calls during backfill.
const backfillConcurrency = 4

// runBackfill finds nodes with missing or outdated embeddings and
// regenerates them in batches. Failures are isolated per node.
func (s *Scheduler) runBackfill(ctx context.Context) error {
	if s.engine == nil {
		logging.SchedulerDebug("Backfill: no embedding engine configured")
		return nil
	}

	ids, err := s.store.NodesNeedingEmbedding(s.engine.Name(), embedding.FormatMarker, 200)
	if err != nil {
		return fmt.Errorf("backfill scan failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	logging.Scheduler("Backfill: %d nodes need embeddings", len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillConcurrency)
	var doneMu sync.Mutex
	done := 0

	for _, id := range ids {
		nodeID := id
		g.Go(func() error {
			node, getErr := s.store.GetNode(nodeID)
			if getErr != nil {
				logging.Get(logging.CategoryScheduler).Warn("Backfill: cannot load %s: %v", nodeID, getErr)
				return nil
			}
			text := embedding.BuildNodeText(node)
			vec, embedErr := s.engine.Embed(gctx, text)
			if embedErr != nil {
				logging.Get(logging.CategoryScheduler).Warn("Backfill: embedding failed for %s: %v", nodeID, embedErr)
				return nil
			}
			if storeErr := s.store.StoreEmbedding(nodeID, s.engine.Name(), text, vec); storeErr != nil {
				logging.Get(logging.CategoryScheduler).Warn("Backfill: store failed for %s: %v", nodeID, storeErr)
				return nil
			}
			doneMu.Lock()
			done++
			doneMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logging.Scheduler("Backfill complete: %d/%d embeddings written", done, len(ids))
	return nil
}
