package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// UpsertResult reports what an upsert did.
type UpsertResult struct {
	Node    *types.Node
	Created bool
}

// Upsert writes a node: document first, then row + child tables + FTS in
// one transaction. If a row with the same node_id already exists the
// version is incremented and the previous version recorded; re-running
// with identical content is a no-op apart from the version bump guard
// below.
//
// Identical content against the existing current version returns
// Created=false without writing a new version, which is what makes
// duplicate session delivery harmless.
func (s *Store) Upsert(node *types.Node) (*UpsertResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Upsert")
	defer timer.Stop()

	if node == nil {
		return nil, fmt.Errorf("nil node")
	}
	if node.ID == "" {
		node.ID = types.DeterministicNodeID(node.SessionFile, node.SegmentStart, node.SegmentEnd)
	}
	if node.Summary == "" {
		return nil, fmt.Errorf("node %s has no summary", node.ID)
	}
	if node.AnalyzedAt.IsZero() {
		node.AnalyzedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existingVersion int
	var existingDoc string
	err := s.db.QueryRow("SELECT version, doc_path FROM nodes WHERE node_id = ?", node.ID).
		Scan(&existingVersion, &existingDoc)
	created := false
	switch {
	case err == sql.ErrNoRows:
		created = true
		node.Version = 1
		node.PreviousVersions = nil
	case err != nil:
		return nil, fmt.Errorf("failed to look up node %s: %w", node.ID, err)
	default:
		// Same content as the committed current version: nothing to do.
		if existing, readErr := s.ReadDocument(existingDoc); readErr == nil {
			if sameNodeContent(existing, node) {
				logging.StoreDebug("Upsert no-op for node %s (content unchanged at v%d)", node.ID, existingVersion)
				return &UpsertResult{Node: existing, Created: false}, nil
			}
			node.PreviousVersions = append(existing.PreviousVersions, existing.Version)
		} else {
			logging.Get(logging.CategoryStore).Warn("Current document for %s unreadable (%v); versioning forward anyway", node.ID, readErr)
			node.PreviousVersions = append(node.PreviousVersions, existingVersion)
		}
		node.Version = existingVersion + 1
	}

	relPath := DocumentPath(node.ID, node.Version, node.AnalyzedAt)
	if s.nodesDir != "" {
		if err := s.writeDocument(node, relPath); err != nil {
			return nil, err
		}
	}

	if err := s.writeRow(node, relPath); err != nil {
		return nil, err
	}

	logging.Store("Upserted node %s v%d (created=%v)", node.ID, node.Version, created)
	return &UpsertResult{Node: node, Created: created}, nil
}

// writeRow replaces the row projection and child tables atomically.
// Caller holds s.mu.
func (s *Store) writeRow(node *types.Node, docPath string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO nodes (
			node_id, version, session_file, segment_start, segment_end,
			project, computer, timestamp, type, outcome,
			had_clear_goal, is_new_project, summary,
			tokens_used, cost, duration_minutes, model,
			prompt_version, analyzed_at, friction_score, delight_score,
			doc_path, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			version = excluded.version,
			session_file = excluded.session_file,
			segment_start = excluded.segment_start,
			segment_end = excluded.segment_end,
			project = excluded.project,
			computer = excluded.computer,
			timestamp = excluded.timestamp,
			type = excluded.type,
			outcome = excluded.outcome,
			had_clear_goal = excluded.had_clear_goal,
			is_new_project = excluded.is_new_project,
			summary = excluded.summary,
			tokens_used = excluded.tokens_used,
			cost = excluded.cost,
			duration_minutes = excluded.duration_minutes,
			model = excluded.model,
			prompt_version = excluded.prompt_version,
			analyzed_at = excluded.analyzed_at,
			friction_score = excluded.friction_score,
			delight_score = excluded.delight_score,
			doc_path = excluded.doc_path,
			updated_at = CURRENT_TIMESTAMP`,
		node.ID, node.Version, node.SessionFile, node.SegmentStart, node.SegmentEnd,
		node.Project, node.Computer, node.Timestamp, string(node.Type), string(node.Outcome),
		node.HadClearGoal, node.IsNewProject, node.Summary,
		node.TokensUsed, node.Cost, node.DurationMinutes, node.Model,
		node.PromptVersion, node.AnalyzedAt, frictionScore(node), delightScore(node),
		docPath,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node row: %w", err)
	}

	// Child tables are replaced wholesale per version.
	for _, table := range []string{"node_decisions", "node_lessons", "node_quirks", "node_tool_errors", "node_tags", "node_topics", "node_files"} {
		if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s WHERE node_id = ?", table), node.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	for i, d := range node.Decisions {
		alts, _ := json.Marshal(d.Alternatives)
		if _, err := tx.Exec("INSERT INTO node_decisions (node_id, seq, what, why, alternatives) VALUES (?, ?, ?, ?, ?)",
			node.ID, i, d.What, d.Why, string(alts)); err != nil {
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	for _, l := range node.Lessons {
		if _, err := tx.Exec("INSERT INTO node_lessons (node_id, level, text) VALUES (?, ?, ?)",
			node.ID, string(l.Level), l.Text); err != nil {
			return fmt.Errorf("failed to insert lesson: %w", err)
		}
	}
	for _, q := range node.Quirks {
		if _, err := tx.Exec("INSERT INTO node_quirks (node_id, observation, frequency, severity) VALUES (?, ?, ?, ?)",
			node.ID, q.Observation, q.Frequency, q.Severity); err != nil {
			return fmt.Errorf("failed to insert quirk: %w", err)
		}
	}
	for _, te := range node.ToolErrors {
		if _, err := tx.Exec("INSERT INTO node_tool_errors (node_id, tool, kind, count) VALUES (?, ?, ?, ?)",
			node.ID, te.Tool, te.Kind, te.Count); err != nil {
			return fmt.Errorf("failed to insert tool error: %w", err)
		}
	}
	for _, tag := range node.Tags {
		if _, err := tx.Exec("INSERT OR IGNORE INTO node_tags (node_id, tag) VALUES (?, ?)", node.ID, tag); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	for _, topic := range node.Topics {
		if _, err := tx.Exec("INSERT OR IGNORE INTO node_topics (node_id, topic) VALUES (?, ?)", node.ID, topic); err != nil {
			return fmt.Errorf("failed to insert topic: %w", err)
		}
	}
	for _, f := range node.FilesTouched {
		if _, err := tx.Exec("INSERT OR IGNORE INTO node_files (node_id, path) VALUES (?, ?)", node.ID, f); err != nil {
			return fmt.Errorf("failed to insert file: %w", err)
		}
	}

	// Text projection: FTS5 when available, the plain mirror otherwise.
	if s.ftsExt {
		if _, err := tx.Exec("DELETE FROM nodes_fts WHERE node_id = ?", node.ID); err != nil {
			return fmt.Errorf("failed to clear fts row: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO nodes_fts (node_id, summary, decisions, lessons, tags, topics) VALUES (?, ?, ?, ?, ?, ?)",
			node.ID, node.Summary, decisionsText(node), lessonsText(node),
			strings.Join(node.Tags, " "), strings.Join(node.Topics, " "),
		); err != nil {
			return fmt.Errorf("failed to insert fts row: %w", err)
		}
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO nodes_text (node_id, summary, decisions, lessons, tags, topics)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		node.ID, node.Summary, decisionsText(node), lessonsText(node),
		strings.Join(node.Tags, " "), strings.Join(node.Topics, " "),
	); err != nil {
		return fmt.Errorf("failed to insert text row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

func frictionScore(n *types.Node) float64 {
	if n.Friction == nil {
		return 0
	}
	return n.Friction.Score
}

func delightScore(n *types.Node) float64 {
	if n.Delight == nil {
		return 0
	}
	return n.Delight.Score
}

func decisionsText(n *types.Node) string {
	var sb strings.Builder
	for _, d := range n.Decisions {
		sb.WriteString(d.What)
		sb.WriteString(" ")
		sb.WriteString(d.Why)
		sb.WriteString(" ")
	}
	return sb.String()
}

func lessonsText(n *types.Node) string {
	var sb strings.Builder
	for _, l := range n.Lessons {
		sb.WriteString(l.Text)
		sb.WriteString(" ")
	}
	return sb.String()
}

// sameNodeContent compares the analysis payload of two nodes, ignoring
// identity/version bookkeeping.
func sameNodeContent(a, b *types.Node) bool {
	ca, cb := *a, *b
	ca.Version, cb.Version = 0, 0
	ca.PreviousVersions, cb.PreviousVersions = nil, nil
	ca.AnalyzedAt, cb.AnalyzedAt = time.Time{}, time.Time{}
	ja, errA := json.Marshal(ca)
	jb, errB := json.Marshal(cb)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

// HasNode reports whether a node row exists.
func (s *Store) HasNode(nodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRow("SELECT 1 FROM nodes WHERE node_id = ?", nodeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetNode loads the current version of a node: the document when
// available (full content), falling back to the row projection.
func (s *Store) GetNode(nodeID string) (*types.Node, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GetNode")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeLocked(nodeID)
}

func (s *Store) getNodeLocked(nodeID string) (*types.Node, error) {
	var docPath string
	err := s.db.QueryRow("SELECT doc_path FROM nodes WHERE node_id = ?", nodeID).Scan(&docPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up node %s: %w", nodeID, err)
	}
	node, err := s.ReadDocument(docPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Document missing for %s (%v); serving row projection", nodeID, err)
		return s.nodeFromRow(nodeID)
	}
	return node, nil
}

// GetNodeVersion loads a specific historical version from its document.
func (s *Store) GetNodeVersion(nodeID string, version int) (*types.Node, error) {
	var docPath, current string
	var analyzedAt time.Time

	s.mu.RLock()
	err := s.db.QueryRow("SELECT doc_path, analyzed_at FROM nodes WHERE node_id = ?", nodeID).Scan(&current, &analyzedAt)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("node %s not found: %w", nodeID, err)
	}

	// Current version lives at the recorded path; older versions share its
	// year/month bucket unless analysis crossed a month, in which case the
	// walk below finds them.
	docPath = DocumentPath(nodeID, version, analyzedAt)
	if node, readErr := s.ReadDocument(docPath); readErr == nil {
		return node, nil
	}
	var found *types.Node
	walkErr := s.walkDocuments(func(relPath, id string, v int) error {
		if id == nodeID && v == version && found == nil {
			n, readErr := s.ReadDocument(relPath)
			if readErr == nil {
				found = n
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if found == nil {
		return nil, fmt.Errorf("node %s v%d not found", nodeID, version)
	}
	return found, nil
}

// nodeFromRow reconstructs a node from the row + child tables. Used only
// when the document is unreadable.
func (s *Store) nodeFromRow(nodeID string) (*types.Node, error) {
	var n types.Node
	var taskType, outcome string
	err := s.db.QueryRow(`
		SELECT node_id, version, session_file, segment_start, segment_end,
		       COALESCE(project,''), COALESCE(computer,''), timestamp, type, outcome,
		       had_clear_goal, is_new_project, summary, tokens_used, cost,
		       duration_minutes, COALESCE(model,''), COALESCE(prompt_version,''), analyzed_at
		FROM nodes WHERE node_id = ?`, nodeID).Scan(
		&n.ID, &n.Version, &n.SessionFile, &n.SegmentStart, &n.SegmentEnd,
		&n.Project, &n.Computer, &n.Timestamp, &taskType, &outcome,
		&n.HadClearGoal, &n.IsNewProject, &n.Summary, &n.TokensUsed, &n.Cost,
		&n.DurationMinutes, &n.Model, &n.PromptVersion, &n.AnalyzedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load node row %s: %w", nodeID, err)
	}
	n.Type = types.TaskType(taskType)
	n.Outcome = types.Outcome(outcome)

	rows, err := s.db.Query("SELECT level, text FROM node_lessons WHERE node_id = ?", nodeID)
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var l types.Lesson
			var level string
			if rows.Scan(&level, &l.Text) == nil {
				l.Level = types.LessonLevel(level)
				n.Lessons = append(n.Lessons, l)
			}
		}
	}
	return &n, nil
}

// NodesWithPromptVersionOther lists node IDs whose prompt_version differs
// from current (the reanalysis scan).
func (s *Store) NodesWithPromptVersionOther(currentHash string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT node_id FROM nodes WHERE COALESCE(prompt_version,'') != ? ORDER BY analyzed_at ASC", currentHash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// RecentWithoutSemanticEdges lists recent node IDs that have no outgoing
// semantic edge yet (the connection-discovery scan).
func (s *Store) RecentWithoutSemanticEdges(limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT n.node_id FROM nodes n
		WHERE NOT EXISTS (
			SELECT 1 FROM edges e
			WHERE e.source = n.node_id
			  AND e.type IN ('semantic', 'reference', 'lesson_application')
		)
		ORDER BY n.analyzed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// NodeSummaries returns (id, summary) pairs for a set of nodes; used by
// the connection discoverer to build comparison text.
func (s *Store) NodeSummaries(limit int) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query("SELECT node_id, summary FROM nodes ORDER BY analyzed_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, summary string
		if rows.Scan(&id, &summary) == nil {
			out[id] = summary
		}
	}
	return out, rows.Err()
}

// LastNodeOfSession returns the most recent node of a session file (latest
// timestamp, then latest analysis), or "" when the session has none. Used
// as the fork-edge target when no node matches the parent entry.
func (s *Store) LastNodeOfSession(sessionFile string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(
		"SELECT node_id FROM nodes WHERE session_file = ? ORDER BY timestamp DESC, analyzed_at DESC LIMIT 1",
		sessionFile).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// NodeContainingEntry returns the node of sessionFile whose segment starts
// or ends at entryID, or "" when no analyzed segment does. An entry strictly
// inside a span is not matched.
func (s *Store) NodeContainingEntry(sessionFile, entryID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT node_id, segment_start, segment_end FROM nodes WHERE session_file = ?", sessionFile)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	// The row store does not know entry order, so span membership is
	// approximated by the boundary IDs.
	for rows.Next() {
		var id, start, end string
		if rows.Scan(&id, &start, &end) != nil {
			continue
		}
		if start == entryID || end == entryID {
			return id, nil
		}
	}
	return "", rows.Err()
}

// PreviousSegmentNode returns the node for the segment immediately before
// (startID, endID) in the same session, identified by its end entry.
func (s *Store) PreviousSegmentNode(sessionFile, prevEndID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRow(
		"SELECT node_id FROM nodes WHERE session_file = ? AND segment_end = ?",
		sessionFile, prevEndID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// NodeMeta is the slim projection used by restart detection.
type NodeMeta struct {
	ID        string
	Outcome   types.Outcome
	Timestamp time.Time
	Files     []string
}

// NodeMetaByID loads the restart-detection projection for one node.
func (s *Store) NodeMetaByID(nodeID string) (*NodeMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m NodeMeta
	var outcome string
	err := s.db.QueryRow("SELECT node_id, outcome, timestamp FROM nodes WHERE node_id = ?", nodeID).
		Scan(&m.ID, &outcome, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	m.Outcome = types.Outcome(outcome)

	rows, err := s.db.Query("SELECT path FROM node_files WHERE node_id = ?", nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			m.Files = append(m.Files, p)
		}
	}
	return &m, rows.Err()
}

// RebuildIndex clears every row projection and re-upserts the latest
// version of each node from its document. Documents remain untouched.
func (s *Store) RebuildIndex() (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RebuildIndex")
	defer timer.Stop()

	logging.Store("Rebuilding row index from node documents")

	// Find the latest version per node first.
	latest := make(map[string]int)
	paths := make(map[string]string)
	err := s.walkDocuments(func(relPath, nodeID string, version int) error {
		if version > latest[nodeID] {
			latest[nodeID] = version
			paths[nodeID] = relPath
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk node documents: %w", err)
	}

	tables := []string{"nodes", "node_decisions", "node_lessons", "node_quirks", "node_tool_errors", "node_tags", "node_topics", "node_files", "nodes_text"}
	if s.ftsExt {
		tables = append(tables, "nodes_fts")
	}
	s.mu.Lock()
	for _, table := range tables {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	s.mu.Unlock()

	rebuilt := 0
	for nodeID, relPath := range paths {
		node, readErr := s.ReadDocument(relPath)
		if readErr != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping unreadable document %s: %v", relPath, readErr)
			continue
		}
		s.mu.Lock()
		writeErr := s.writeRow(node, relPath)
		s.mu.Unlock()
		if writeErr != nil {
			logging.Get(logging.CategoryStore).Error("Failed to rebuild row for %s: %v", nodeID, writeErr)
			continue
		}
		rebuilt++
	}

	logging.Store("Index rebuild complete: %d nodes", rebuilt)
	return rebuilt, nil
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
