// Package daemon owns the long-lived process: it wires the store, queue,
// watcher, worker pool and scheduler together and manages their
// lifecycle. There are no process-wide singletons; every collaborator is
// constructed here and passed down.
package daemon

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"

	"engram/internal/config"
	"engram/internal/embedding"
	"engram/internal/logging"
	"engram/internal/processor"
	"engram/internal/queue"
	"engram/internal/scheduler"
	"engram/internal/store"
	"engram/internal/segment"
	"engram/internal/watcher"
	"engram/internal/worker"
	"engram/internal/types"
)

// Daemon is the top-level process object.
type Daemon struct {
	cfg *config.Config

	store     *store.Store
	queue     *queue.Queue
	watcher   *watcher.Watcher
	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	processor *processor.Processor
	engine    embedding.Engine

	cancel  context.CancelFunc
	drainWG sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New builds the daemon from configuration. A missing required skill is a
// fatal environment error surfaced here, before anything starts.
func New(cfg *config.Config) (*Daemon, error) {
	if err := logging.Initialize(cfg.DataDir, logging.Options{
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logging.Boot("engram daemon starting (data=%s, watch=%v)", cfg.DataDir, cfg.Watch)

	st, err := store.Open(cfg.DatabasePath(), cfg.NodesDir())
	if err != nil {
		return nil, err
	}

	var engine embedding.Engine
	if cfg.Embedding.Provider != "" {
		engine, err = embedding.NewEngine(embedding.Config{
			Provider:       cfg.Embedding.Provider,
			OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
			OllamaModel:    cfg.Embedding.OllamaModel,
			GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
			GenAIModel:     cfg.Embedding.GenAIModel,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("embedding engine: %w", err)
		}
		st.SetEmbeddingEngine(engine)
	}

	q, err := queue.New(st.DB(), queue.Options{
		BaseDelay:  cfg.Queue.BaseDelayDuration(),
		MaxDelay:   cfg.Queue.MaxDelayDuration(),
		StaleClaim: cfg.Queue.StaleClaimDuration(),
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	promptTemplate := ""
	if cfg.Analyzer.PromptPath != "" {
		data, readErr := os.ReadFile(cfg.Analyzer.PromptPath)
		if readErr != nil {
			st.Close()
			return nil, fmt.Errorf("failed to read analysis prompt: %w", readErr)
		}
		promptTemplate = string(data)
	}
	proc, err := processor.New(processor.Config{
		Binary:            cfg.Analyzer.Binary,
		SkillsDir:         cfg.Analyzer.SkillsDir,
		RequiredSkills:    cfg.Analyzer.RequiredSkills,
		LargeSessionSkill: cfg.Analyzer.LargeSessionSkill,
		LargeSessionBytes: cfg.Analyzer.LargeSessionBytes,
		Timeout:           cfg.Analyzer.TimeoutDuration(),
		MaxOutputBytes:    cfg.Analyzer.MaxOutputBytes,
		PromptTemplate:    promptTemplate,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	pool := worker.NewPool(q, st, proc, engine, worker.Options{
		Workers:          cfg.Worker.PoolSize(),
		JobTimeout:       cfg.Worker.JobTimeoutDuration(),
		MinSegmentAge:    cfg.Worker.MinSegmentAgeDuration(cfg.Watcher.StabilityWindowDuration()),
		EnqueueDiscovery: cfg.Worker.EnqueueDiscovery,
		PollInterval:     cfg.Worker.PollIntervalDuration(),
		SegmentConfig:    segment.Config{ResumeGapMinutes: cfg.Segmenter.ResumeGapMinutes},
	})

	w, err := watcher.New(cfg.Watch, watcher.Options{
		StabilityWindow: cfg.Watcher.StabilityWindowDuration(),
		IdleWindow:      cfg.Watcher.IdleWindowDuration(),
		PollInterval:    cfg.Watcher.PollIntervalDuration(),
		EventBuffer:     cfg.Watcher.EventBuffer,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	defs := make([]scheduler.JobDefinition, 0, len(cfg.Scheduler.Jobs))
	for _, j := range cfg.Scheduler.Jobs {
		defs = append(defs, scheduler.JobDefinition{Kind: j.Kind, Cron: j.Cron, Enabled: j.Enabled})
	}
	sched, err := scheduler.New(q, st, engine, proc.PromptVersion, defs)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Daemon{
		cfg:       cfg,
		store:     st,
		queue:     q,
		watcher:   w,
		pool:      pool,
		scheduler: sched,
		processor: proc,
		engine:    engine,
	}, nil
}

// Start launches every component and the watcher event bridge.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}

	ctx, d.cancel = context.WithCancel(ctx)

	if err := d.writePID(); err != nil {
		return err
	}

	d.pool.Start(ctx)
	if err := d.watcher.Start(ctx); err != nil {
		return err
	}
	if err := d.scheduler.Start(ctx); err != nil {
		return err
	}

	d.drainWG.Add(1)
	go d.bridgeEvents()

	d.started = true
	logging.Boot("engram daemon running")
	return nil
}

// bridgeEvents turns watcher events into queue work. The watcher is free
// to over-emit; HasExistingJob and deterministic node IDs keep duplicates
// harmless.
func (d *Daemon) bridgeEvents() {
	defer d.drainWG.Done()
	for ev := range d.watcher.Events() {
		switch ev.Kind {
		case watcher.EventReady:
			exists, err := d.queue.HasExistingJob(ev.Path, types.JobInitial)
			if err != nil {
				logging.Get(logging.CategoryQueue).Error("Job existence check failed for %s: %v", ev.Path, err)
				continue
			}
			if exists {
				logging.QueueDebug("Initial job already queued for %s", ev.Path)
				continue
			}
			if _, err := d.queue.Enqueue(&types.Job{
				Kind:        types.JobInitial,
				SessionPath: ev.Path,
			}); err != nil {
				logging.Get(logging.CategoryQueue).Error("Failed to enqueue initial job for %s: %v", ev.Path, err)
			}
		case watcher.EventIdle:
			logging.WatcherDebug("Session idle: %s", ev.Path)
		case watcher.EventError:
			logging.Get(logging.CategoryWatcher).Error("Watcher error for %s: %v", ev.Path, ev.Err)
		}
	}
}

// Stop shuts components down in dependency order: no new file events, no
// new cron fires, workers drain, store closes last.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	logging.Boot("engram daemon stopping")

	d.watcher.Stop()
	d.drainWG.Wait()
	d.scheduler.Stop()
	d.pool.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	d.store.Close()
	d.removePID()
	d.started = false
	logging.Boot("engram daemon stopped")
	logging.CloseAll()
}

// Health is the operator-facing status snapshot.
type Health struct {
	Queue           map[string]int     `json:"queue"`
	Store           map[string]int64   `json:"store"`
	WatcherTracked  int                `json:"watcherTracked"`
	WatcherOverflow uint64             `json:"watcherOverflow"`
	PromptVersion   string             `json:"promptVersion"`
	EmbeddingEngine string             `json:"embeddingEngine,omitempty"`
	ScheduledJobs   []scheduler.JobStatus `json:"scheduledJobs"`
}

// Health collects the status snapshot.
func (d *Daemon) Health() (*Health, error) {
	queueStats, err := d.queue.Stats()
	if err != nil {
		return nil, err
	}
	storeStats, err := d.store.Stats()
	if err != nil {
		return nil, err
	}
	h := &Health{
		Queue:           queueStats,
		Store:           storeStats,
		WatcherTracked:  d.watcher.Tracked(),
		WatcherOverflow: d.watcher.Overflow(),
		PromptVersion:   d.processor.PromptVersion(),
		ScheduledJobs:   d.scheduler.Status(),
	}
	if d.engine != nil {
		h.EmbeddingEngine = d.engine.Name()
	}
	return h, nil
}

// Queue exposes the queue for the CLI surface.
func (d *Daemon) Queue() *queue.Queue { return d.queue }

// Store exposes the store for the CLI surface.
func (d *Daemon) Store() *store.Store { return d.store }

// writePID records this process for the stop command.
func (d *Daemon) writePID() error {
	return os.WriteFile(d.cfg.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (d *Daemon) removePID() {
	_ = os.Remove(d.cfg.PIDPath())
}

// SignalRunning sends SIGTERM to a daemon recorded in the pid file.
// Returns the pid, or 0 when none is running.
func SignalRunning(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(cfg.PIDPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Stale pid file.
		_ = os.Remove(cfg.PIDPath())
		return 0, nil
	}
	return pid, nil
}
