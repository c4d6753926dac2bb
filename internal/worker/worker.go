// Package worker runs the claim → process → commit → follow-on loop. The
// worker is the policy point for failures: every error is classified and
// either retried with backoff, failed terminally, or escalated as fatal.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/processor"
	"engram/internal/queue"
	"engram/internal/segment"
	"engram/internal/session"
	"engram/internal/store"
	"engram/internal/types"

	"github.com/google/uuid"
)

// Analyzer is the processor surface the pool needs; *processor.Processor
// satisfies it, tests substitute stubs.
type Analyzer interface {
	InvokeAgent(ctx context.Context, sessionPath, project, startID, endID string) (*processor.AgentResult, error)
	PromptVersion() string
}

// Options configures the pool.
type Options struct {
	Workers          int
	JobTimeout       time.Duration
	MinSegmentAge    time.Duration
	EnqueueDiscovery bool
	PollInterval     time.Duration
	Computer         string
	SegmentConfig    segment.Config
}

// Pool is a set of N workers sharing the queue, store and processor.
type Pool struct {
	queue  *queue.Queue
	store  *store.Store
	proc   Analyzer
	engine embedding.Engine
	opts   Options

	wg      sync.WaitGroup
	stopCh  chan struct{}
	running bool
	mu      sync.Mutex
}

// NewPool wires a worker pool. engine may be nil (embeddings skipped).
func NewPool(q *queue.Queue, st *store.Store, proc Analyzer, engine embedding.Engine, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Computer == "" {
		opts.Computer, _ = os.Hostname()
	}
	return &Pool{
		queue:  q,
		store:  st,
		proc:   proc,
		engine: engine,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	logging.Worker("Starting %d workers", p.opts.Workers)
	for i := 0; i < p.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go p.runWorker(ctx, workerID)
	}
}

// Stop asks the workers to finish their current job and waits. No new
// claims are issued after Stop; an interrupted running job is reclaimed
// by the queue's staleness window.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	logging.Worker("Worker pool stopped")
}

// runWorker is one worker's loop.
func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logging.WorkerDebug("%s started", workerID)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.Claim(workerID)
		if err != nil {
			logging.Get(logging.CategoryWorker).Error("%s claim failed: %v", workerID, err)
			p.sleep(ctx)
			continue
		}
		if job == nil {
			p.sleep(ctx)
			continue
		}

		jobCtx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
		p.handle(jobCtx, workerID, job)
		cancel()
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.stopCh:
	case <-time.After(p.opts.PollInterval):
	}
}

// handle processes one claimed job and records the outcome.
func (p *Pool) handle(ctx context.Context, workerID string, job *types.Job) {
	timer := logging.StartTimer(logging.CategoryWorker, "handle:"+string(job.Kind))
	defer timer.StopWithThreshold(time.Minute)

	var err error
	switch job.Kind {
	case types.JobInitial, types.JobReanalysis:
		err = p.analyze(ctx, job)
	case types.JobConnectionDiscovery:
		err = p.discover(ctx, job)
	default:
		err = types.Permanent(types.ReasonValidation, fmt.Errorf("unknown job kind %q", job.Kind))
	}

	if err == nil {
		if completeErr := p.queue.Complete(job.ID); completeErr != nil {
			logging.Get(logging.CategoryWorker).Error("%s failed to complete job %s: %v", workerID, job.ID, completeErr)
		}
		return
	}

	cls := queue.Classify(err)
	shouldRetry := cls.ShouldRetry(job.RetryCount)
	delay := p.queue.RetryDelayFor(job.RetryCount)
	logging.Get(logging.CategoryWorker).Warn("%s job %s failed (%s/%s, retry=%v): %v",
		workerID, job.ID, cls.Category, cls.Reason, shouldRetry, err)
	if failErr := p.queue.Fail(job.ID, cls.JobError(err), shouldRetry, delay); failErr != nil {
		logging.Get(logging.CategoryWorker).Error("%s failed to record failure for %s: %v", workerID, job.ID, failErr)
	}
}

// analyze is the main ingest path: parse, segment, pick the target
// segment, invoke the analyzer, commit the node + edges + embedding, and
// enqueue follow-on discovery. Every step is idempotent against retries
// because node IDs are deterministic and upsert replays cleanly.
func (p *Pool) analyze(ctx context.Context, job *types.Job) error {
	sess, err := session.Parse(job.SessionPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Permanent(types.ReasonFileNotFound, err)
		}
		return err // malformed header classifies as invalid_session by message
	}

	result := segment.Extract(sess, p.opts.SegmentConfig)
	if len(result.Segments) == 0 {
		logging.WorkerDebug("Session %s has no segments; nothing to analyze", job.SessionPath)
		return nil
	}

	segIndex, seg, err := p.pickSegment(job, result.Segments)
	if err != nil {
		return err
	}
	if seg == nil {
		logging.WorkerDebug("No unanalyzed complete segment in %s", job.SessionPath)
		return nil
	}

	agentResult, err := p.proc.InvokeAgent(ctx, job.SessionPath, sess.Header.Cwd, seg.StartID, seg.EndID)
	if err != nil {
		return err
	}

	node := agentResult.Node
	p.fillNode(node, job, sess, seg)

	upsert, err := p.store.Upsert(node)
	if err != nil {
		return err
	}
	node = upsert.Node

	if err := p.linkStructural(sess, result.Segments, segIndex, node); err != nil {
		// Edge writes are idempotent; a retry re-links without duplication.
		return err
	}
	if err := p.linkRelationships(node); err != nil {
		return err
	}

	if p.engine != nil {
		text := embedding.BuildNodeText(node)
		vec, embedErr := p.engine.Embed(ctx, text)
		if embedErr != nil {
			return types.Transient(types.ReasonNetwork, fmt.Errorf("embedding failed: %w", embedErr))
		}
		if err := p.store.StoreEmbedding(node.ID, p.engine.Name(), text, vec); err != nil {
			return err
		}
	}

	if p.opts.EnqueueDiscovery {
		if _, err := p.queue.Enqueue(&types.Job{
			Kind:   types.JobConnectionDiscovery,
			NodeID: node.ID,
		}); err != nil {
			logging.Get(logging.CategoryWorker).Warn("Failed to enqueue discovery for %s: %v", node.ID, err)
		}
	}

	logging.Worker("Analyzed %s [%s..%s] -> node %s v%d",
		job.SessionPath, seg.StartID, seg.EndID, node.ID, node.Version)
	return nil
}

// pickSegment selects the segment to analyze. Initial jobs take the
// latest complete segment not yet in the store; reanalysis jobs take the
// exact span from the job context.
func (p *Pool) pickSegment(job *types.Job, segments []types.Segment) (int, *types.Segment, error) {
	if job.Kind == types.JobReanalysis {
		var rctx types.ReanalysisContext
		if err := json.Unmarshal(job.Context, &rctx); err != nil {
			return 0, nil, types.Permanent(types.ReasonValidation,
				fmt.Errorf("reanalysis job %s has no segment span: %w", job.ID, err))
		}
		for i := range segments {
			if segments[i].StartID == rctx.SegmentStart && segments[i].EndID == rctx.SegmentEnd {
				return i, &segments[i], nil
			}
		}
		return 0, nil, types.Permanent(types.ReasonValidation,
			fmt.Errorf("segment span %s..%s no longer exists in %s", rctx.SegmentStart, rctx.SegmentEnd, job.SessionPath))
	}

	// Initial: newest first, old enough to be complete, not yet stored.
	now := time.Now()
	for i := len(segments) - 1; i >= 0; i-- {
		seg := &segments[i]
		if p.opts.MinSegmentAge > 0 && !seg.EndedAt.IsZero() &&
			now.Sub(seg.EndedAt) < p.opts.MinSegmentAge {
			continue
		}
		nodeID := types.DeterministicNodeID(job.SessionPath, seg.StartID, seg.EndID)
		exists, err := p.store.HasNode(nodeID)
		if err != nil {
			return 0, nil, err
		}
		if !exists {
			return i, seg, nil
		}
	}
	return 0, nil, nil
}

// fillNode completes the analyzer's payload with identity, source and
// metadata from the job context. The deterministic ID is what makes the
// whole pipeline idempotent.
func (p *Pool) fillNode(node *types.Node, job *types.Job, sess *types.Session, seg *types.Segment) {
	node.SessionFile = job.SessionPath
	node.SegmentStart = seg.StartID
	node.SegmentEnd = seg.EndID
	node.ID = types.DeterministicNodeID(job.SessionPath, seg.StartID, seg.EndID)
	node.Project = sess.Header.Cwd
	node.Computer = p.opts.Computer
	node.Timestamp = seg.EndedAt
	node.PromptVersion = p.proc.PromptVersion()
	node.AnalyzedAt = time.Now().UTC()

	friction := seg.Friction
	delight := seg.Delight
	node.Friction = &friction
	node.Delight = &delight

	// Union analyzer-reported files with what the segmenter observed.
	fileSet := make(map[string]struct{})
	for _, f := range node.FilesTouched {
		fileSet[f] = struct{}{}
	}
	for _, f := range seg.FilesTouched {
		if _, ok := fileSet[f]; !ok {
			node.FilesTouched = append(node.FilesTouched, f)
			fileSet[f] = struct{}{}
		}
	}

	if node.DurationMinutes == 0 && !seg.StartedAt.IsZero() && !seg.EndedAt.IsZero() {
		node.DurationMinutes = seg.EndedAt.Sub(seg.StartedAt).Minutes()
	}
}

// linkRelationships writes analyzer-declared edges. Resolved references
// become edges immediately; unresolved ones target the sentinel node with
// the free text kept for later semantic resolution.
func (p *Pool) linkRelationships(node *types.Node) error {
	for _, rel := range node.Relationships {
		edgeType := rel.Type
		if edgeType == "" {
			edgeType = types.EdgeReference
		}
		edge := types.Edge{
			Source:     node.ID,
			Type:       edgeType,
			CreatedBy:  types.EdgeByDaemon,
			Confidence: rel.Confidence,
		}
		if rel.TargetNodeID != "" {
			edge.Target = rel.TargetNodeID
		} else if rel.UnresolvedTarget != "" {
			edge.Target = types.UnresolvedTargetID
			edge.UnresolvedTarget = rel.UnresolvedTarget
		} else {
			continue
		}
		if edge.Target == node.ID {
			continue
		}
		if err := p.store.AddEdge(edge); err != nil {
			return err
		}
	}
	return nil
}
