// Package scheduler drives the recurring jobs on cron schedules:
// reanalysis, connection discovery, pattern aggregation, clustering and
// embedding backfill. Runs of the same kind never overlap; a kind still
// in progress skips its tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/queue"
	"engram/internal/store"

	"github.com/robfig/cron/v3"
)

// JobDefinition is one recurring job from configuration.
type JobDefinition struct {
	Kind    string
	Cron    string
	Enabled bool
}

// JobStatus reports one scheduled job for the status surface.
type JobStatus struct {
	Kind    string
	Cron    string
	Enabled bool
	NextRun time.Time
	LastRun time.Time
	Running bool
}

// Scheduler owns the cron runner and the per-kind overlap guards.
type Scheduler struct {
	queue         *queue.Queue
	store         *store.Store
	engine        embedding.Engine
	promptVersion func() string

	cron *cron.Cron
	defs []JobDefinition

	mu       sync.Mutex
	running  map[string]bool
	lastRun  map[string]time.Time
	entryIDs map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every cron expression and prepares the scheduler.
// promptVersion supplies the current analysis prompt hash for the
// reanalysis scan; engine may be nil (clustering and backfill skip).
func New(q *queue.Queue, st *store.Store, engine embedding.Engine, promptVersion func() string, defs []JobDefinition) (*Scheduler, error) {
	parser := cron.ParseStandard
	for _, def := range defs {
		if _, err := parser(def.Cron); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q for %s: %w", def.Cron, def.Kind, err)
		}
		switch def.Kind {
		case "reanalysis", "connection_discovery", "pattern_aggregation", "clustering", "backfill_embeddings":
		default:
			return nil, fmt.Errorf("unknown scheduled job kind %q", def.Kind)
		}
	}

	return &Scheduler{
		queue:         q,
		store:         st,
		engine:        engine,
		promptVersion: promptVersion,
		cron:          cron.New(),
		defs:          defs,
		running:       make(map[string]bool),
		lastRun:       make(map[string]time.Time),
		entryIDs:      make(map[string]cron.EntryID),
	}, nil
}

// Start registers the enabled jobs and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for _, def := range s.defs {
		if !def.Enabled {
			logging.Scheduler("Job %s disabled", def.Kind)
			continue
		}
		kind := def.Kind
		id, err := s.cron.AddFunc(def.Cron, func() { s.fire(kind) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s: %w", kind, err)
		}
		s.entryIDs[kind] = id
		logging.Scheduler("Scheduled %s at %q", kind, def.Cron)
	}

	s.cron.Start()
	return nil
}

// Stop stops new fires and cancels the context handed to running
// clustering and backfill jobs; the returned context from cron.Stop is
// waited up to five seconds so an in-flight job can return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		logging.Get(logging.CategoryScheduler).Warn("Scheduler stop timed out waiting for in-flight job")
	}
	logging.Scheduler("Scheduler stopped")
}

// fire runs one job kind, skipping the tick when the previous run of the
// same kind is still in progress.
func (s *Scheduler) fire(kind string) {
	s.mu.Lock()
	if s.running[kind] {
		s.mu.Unlock()
		logging.Scheduler("Skipping %s tick: previous run still in progress", kind)
		return
	}
	s.running[kind] = true
	s.lastRun[kind] = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[kind] = false
		s.mu.Unlock()
	}()

	timer := logging.StartTimer(logging.CategoryScheduler, "fire:"+kind)
	defer timer.Stop()

	var err error
	switch kind {
	case "reanalysis":
		err = s.runReanalysis()
	case "connection_discovery":
		err = s.runConnectionDiscovery()
	case "pattern_aggregation":
		err = s.store.RecomputePatterns()
	case "clustering":
		err = s.runClustering(s.ctx)
	case "backfill_embeddings":
		err = s.runBackfill(s.ctx)
	}
	if err != nil {
		logging.Get(logging.CategoryScheduler).Error("Scheduled %s failed: %v", kind, err)
	}
}

// Status reports every configured job with its next fire time.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.defs))
	for _, def := range s.defs {
		st := JobStatus{
			Kind:    def.Kind,
			Cron:    def.Cron,
			Enabled: def.Enabled,
			LastRun: s.lastRun[def.Kind],
			Running: s.running[def.Kind],
		}
		if id, ok := s.entryIDs[def.Kind]; ok {
			st.NextRun = s.cron.Entry(id).Next
		}
		out = append(out, st)
	}
	return out
}
