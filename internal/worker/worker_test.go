package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"engram/internal/embedding"
	"engram/internal/processor"
	"engram/internal/queue"
	"engram/internal/segment"
	"engram/internal/store"
	"engram/internal/types"

	"go.uber.org/goleak"
)

// stubAnalyzer replaces the subprocess with canned responses.
type stubAnalyzer struct {
	responses []func() (*processor.AgentResult, error)
	calls     int
}

func (s *stubAnalyzer) InvokeAgent(_ context.Context, _, _, _, _ string) (*processor.AgentResult, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx]()
}

func (s *stubAnalyzer) PromptVersion() string { return "deadbeefdeadbeef" }

func okPayload() func() (*processor.AgentResult, error) {
	return func() (*processor.AgentResult, error) {
		return &processor.AgentResult{
			Node: &types.Node{
				Type:    types.TaskCoding,
				Outcome: types.OutcomeSuccess,
				Summary: "wrote the parser",
			},
			ExitCode: 0,
		}, nil
	}
}

func timeoutOnce() func() (*processor.AgentResult, error) {
	return func() (*processor.AgentResult, error) {
		return &processor.AgentResult{ExitCode: -1},
			types.Transient(types.ReasonTimeout, fmt.Errorf("analyzer timed out"))
	}
}

type fixture struct {
	store *store.Store
	queue *queue.Queue
	pool  *Pool
	stub  *stubAnalyzer
}

func newFixture(t *testing.T, responses ...func() (*processor.AgentResult, error)) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := queue.New(st.DB(), queue.Options{
		BaseDelay: time.Millisecond,
		MaxDelay:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}

	if len(responses) == 0 {
		responses = []func() (*processor.AgentResult, error){okPayload()}
	}
	stub := &stubAnalyzer{responses: responses}
	pool := NewPool(q, st, stub, embedding.NewMockEngine(16), Options{
		Workers:       1,
		JobTimeout:    5 * time.Second,
		PollInterval:  5 * time.Millisecond,
		Computer:      "test-host",
		SegmentConfig: segment.DefaultConfig(),
	})
	return &fixture{store: st, queue: q, pool: pool, stub: stub}
}

func writeLinearSession(t *testing.T, entries int, header string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	content := header + "\n"
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= entries; i++ {
		parent := ""
		if i > 1 {
			parent = fmt.Sprintf(`,"parentId":"e%d"`, i-1)
		}
		content += fmt.Sprintf(`{"id":"e%d"%s,"timestamp":%q,"type":"user","payload":{"text":"m"}}`,
			i, parent, base.Add(time.Duration(i)*time.Second).Format(time.RFC3339)) + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write session: %v", err)
	}
	return path
}

// runJob claims the next job and processes it synchronously.
func (f *fixture) runJob(t *testing.T) *types.Job {
	t.Helper()
	job, err := f.queue.Claim("test-worker")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if job == nil {
		t.Fatal("Expected a claimable job")
	}
	f.pool.handle(context.Background(), "test-worker", job)
	reloaded, err := f.queue.Get(job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return reloaded
}

func TestFreshIngest(t *testing.T) {
	f := newFixture(t)
	path := writeLinearSession(t, 10, `{"version":1,"cwd":"/p"}`)

	_, err := f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job := f.runJob(t)
	if job.Status != types.JobCompleted {
		t.Fatalf("Expected completed, got %s (%+v)", job.Status, job.LastError)
	}

	nodeID := types.DeterministicNodeID(path, "e1", "e10")
	node, err := f.store.GetNode(nodeID)
	if err != nil {
		t.Fatalf("Node missing: %v", err)
	}
	if node.Version != 1 {
		t.Errorf("Expected version 1, got %d", node.Version)
	}
	if node.Project != "/p" || node.Computer != "test-host" {
		t.Errorf("Source fields wrong: %+v", node)
	}
	if node.PromptVersion != "deadbeefdeadbeef" {
		t.Errorf("Prompt version not recorded: %q", node.PromptVersion)
	}
	if node.Friction == nil || node.Delight == nil {
		t.Error("Segment signals should be carried onto the node")
	}

	// One embedding, zero structural edges.
	model, text, _ := f.store.EmbeddingInfo(nodeID)
	if model != "mock" || !embedding.IsRichFormat(text) {
		t.Errorf("Embedding missing or wrong: model=%q", model)
	}
	edges, _ := f.store.EdgesFor(nodeID, store.DirBoth, nil)
	if len(edges) != 0 {
		t.Errorf("Linear single-segment session should produce no edges: %+v", edges)
	}
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	path := writeLinearSession(t, 5, `{"version":1,"cwd":"/p"}`)

	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	first := f.runJob(t)
	if first.Status != types.JobCompleted {
		t.Fatalf("First ingest failed: %+v", first)
	}

	// Watcher over-emitted: a second initial job for the unchanged file.
	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	second := f.runJob(t)
	if second.Status != types.JobCompleted {
		t.Fatalf("Duplicate delivery should complete harmlessly: %+v", second)
	}

	var nodes int
	f.store.DB().QueryRow("SELECT COUNT(*) FROM nodes").Scan(&nodes)
	if nodes != 1 {
		t.Errorf("Expected 1 node after duplicate delivery, got %d", nodes)
	}
	var edges int
	f.store.DB().QueryRow("SELECT COUNT(*) FROM edges").Scan(&edges)
	if edges != 0 {
		t.Errorf("Expected 0 edges, got %d", edges)
	}
	if f.stub.calls != 1 {
		t.Errorf("Analyzer should only run once, ran %d times", f.stub.calls)
	}
}

func TestResumeEdgeBetweenSegments(t *testing.T) {
	f := newFixture(t)

	// Two bursts separated by 20 minutes: one resume boundary.
	path := filepath.Join(t.TempDir(), "s1.jsonl")
	content := `{"version":1,"cwd":"/p"}` + "\n"
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 10; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if i > 5 {
			ts = base.Add(20*time.Minute + time.Duration(i)*time.Second)
		}
		parent := ""
		if i > 1 {
			parent = fmt.Sprintf(`,"parentId":"e%d"`, i-1)
		}
		content += fmt.Sprintf(`{"id":"e%d"%s,"timestamp":%q,"type":"user","payload":{"text":"m"}}`,
			i, parent, ts.Format(time.RFC3339)) + "\n"
	}
	os.WriteFile(path, []byte(content), 0644)

	// Two jobs: the worker analyzes one unanalyzed segment per job.
	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("First job failed: %+v", job)
	}
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("Second job failed: %+v", job)
	}

	nodeA := types.DeterministicNodeID(path, "e1", "e5")
	nodeB := types.DeterministicNodeID(path, "e6", "e10")
	edges, err := f.store.EdgesFor(nodeA, store.DirOutgoing, nil)
	if err != nil {
		t.Fatalf("EdgesFor failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("Expected exactly one edge from node A, got %+v", edges)
	}
	if edges[0].Type != types.EdgeResume || edges[0].Target != nodeB {
		t.Errorf("Expected resume edge A->B, got %+v", edges[0])
	}
}

func TestRetryThenSuccess(t *testing.T) {
	f := newFixture(t, timeoutOnce(), okPayload())
	path := writeLinearSession(t, 5, `{"version":1,"cwd":"/p"}`)

	id, _ := f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})

	after := f.runJob(t)
	if after.Status != types.JobPending || after.RetryCount != 1 {
		t.Fatalf("Expected pending retry after timeout, got %+v", after)
	}

	time.Sleep(15 * time.Millisecond) // let the backoff expire
	final := f.runJob(t)
	if final.ID != id || final.Status != types.JobCompleted {
		t.Fatalf("Expected retried job to complete, got %+v", final)
	}
	if final.RetryCount != 1 {
		t.Errorf("Expected retryCount 1, got %d", final.RetryCount)
	}

	var nodes int
	f.store.DB().QueryRow("SELECT COUNT(*) FROM nodes").Scan(&nodes)
	if nodes != 1 {
		t.Errorf("Retry must not duplicate nodes: %d", nodes)
	}
}

func TestPermanentFailureFileNotFound(t *testing.T) {
	f := newFixture(t)

	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: "/nonexistent/gone.jsonl"})
	job := f.runJob(t)

	if job.Status != types.JobFailed {
		t.Fatalf("Expected failed, got %s", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("Permanent failures do not retry: retryCount=%d", job.RetryCount)
	}
	if job.LastError == nil || job.LastError.Category != types.ErrPermanent || job.LastError.Reason != types.ReasonFileNotFound {
		t.Errorf("Expected permanent/file_not_found, got %+v", job.LastError)
	}
}

func TestForkEdge(t *testing.T) {
	f := newFixture(t)

	// Parent session, analyzed first.
	parentPath := writeLinearSession(t, 10, `{"version":1,"cwd":"/p"}`)
	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: parentPath})
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("Parent ingest failed: %+v", job)
	}
	parentNode := types.DeterministicNodeID(parentPath, "e1", "e10")

	// Child session declares parentSession s1@e5.
	childPath := filepath.Join(t.TempDir(), "s2.jsonl")
	content := fmt.Sprintf(`{"version":1,"cwd":"/p","parentSession":{"path":%q,"entryId":"e5"}}`, parentPath) + "\n"
	content += `{"id":"c1","timestamp":"2026-08-01T11:00:00Z","type":"user","payload":{"text":"continue"}}` + "\n"
	content += `{"id":"c2","parentId":"c1","timestamp":"2026-08-01T11:00:05Z","type":"assistant","payload":{"text":"ok"}}` + "\n"
	os.WriteFile(childPath, []byte(content), 0644)

	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: childPath})
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("Child ingest failed: %+v", job)
	}

	childNode := types.DeterministicNodeID(childPath, "c1", "c2")
	edges, _ := f.store.EdgesFor(childNode, store.DirOutgoing, []types.EdgeType{types.EdgeFork})
	if len(edges) != 1 || edges[0].Target != parentNode {
		t.Fatalf("Expected fork edge child->parent, got %+v", edges)
	}
}

func TestUnresolvedRelationship(t *testing.T) {
	f := newFixture(t, func() (*processor.AgentResult, error) {
		return &processor.AgentResult{
			Node: &types.Node{
				Type:    types.TaskCoding,
				Outcome: types.OutcomeSuccess,
				Summary: "applied the caching lesson",
				Relationships: []types.Relationship{
					{Type: types.EdgeLessonApplication, UnresolvedTarget: "the session where we learned about cache keys"},
				},
			},
		}, nil
	})
	path := writeLinearSession(t, 4, `{"version":1,"cwd":"/p"}`)

	f.queue.Enqueue(&types.Job{Kind: types.JobInitial, SessionPath: path})
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("Ingest failed: %+v", job)
	}

	nodeID := types.DeterministicNodeID(path, "e1", "e4")
	edges, _ := f.store.EdgesFor(nodeID, store.DirOutgoing, nil)
	if len(edges) != 1 {
		t.Fatalf("Expected one unresolved edge, got %+v", edges)
	}
	if edges[0].Target != types.UnresolvedTargetID || edges[0].UnresolvedTarget == "" {
		t.Errorf("Expected sentinel target with text, got %+v", edges[0])
	}
}

func TestConnectionDiscovery(t *testing.T) {
	f := newFixture(t)

	// Two similar nodes with embeddings.
	for i, span := range [][2]string{{"e1", "e5"}, {"e1", "e6"}} {
		node := &types.Node{
			SessionFile:  fmt.Sprintf("s%d.jsonl", i+1),
			SegmentStart: span[0],
			SegmentEnd:   span[1],
			Type:         types.TaskCoding,
			Outcome:      types.OutcomeSuccess,
			Summary:      "nearly identical work",
		}
		res, err := f.store.Upsert(node)
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
		text := embedding.BuildNodeText(res.Node)
		vec, _ := f.pool.engine.Embed(context.Background(), text)
		f.store.StoreEmbedding(res.Node.ID, "mock", text, vec)
	}

	target := types.DeterministicNodeID("s1.jsonl", "e1", "e5")
	other := types.DeterministicNodeID("s2.jsonl", "e1", "e6")
	f.queue.Enqueue(&types.Job{Kind: types.JobConnectionDiscovery, NodeID: target})
	if job := f.runJob(t); job.Status != types.JobCompleted {
		t.Fatalf("Discovery failed: %+v", job)
	}

	edges, _ := f.store.EdgesFor(target, store.DirOutgoing, []types.EdgeType{types.EdgeSemantic})
	if len(edges) != 1 || edges[0].Target != other {
		t.Fatalf("Expected semantic edge to the similar node, got %+v", edges)
	}
	if edges[0].Similarity <= 0.5 {
		t.Errorf("Expected high similarity, got %v", edges[0].Similarity)
	}
}

func TestPoolStartStopNoLeaks(t *testing.T) {
	// The sql.DB connection opener lives until the store closes in cleanup.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.pool.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	f.pool.Stop()
	cancel()
}
