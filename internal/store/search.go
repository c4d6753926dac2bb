package store

import (
	"fmt"
	"strings"
	"time"

	"engram/internal/logging"
)

// SearchFilters restrict a full-text or vector search to structured node
// attributes. Zero values mean "no restriction"; Tags/Topics are AND-sets.
type SearchFilters struct {
	Project      string
	Type         string
	Outcome      string
	Computer     string
	Since        time.Time
	Until        time.Time
	HadClearGoal *bool
	IsNewProject *bool
	Tags         []string
	Topics       []string
}

// ftsFields are the searchable FTS columns in table order, with their
// bm25 weights: summary dominates, decisions and lessons matter, tags and
// topics are light hints.
var ftsFields = []string{"summary", "decisions", "lessons", "tags", "topics"}

const ftsWeights = "0, 2.0, 1.2, 1.2, 0.8, 0.8" // node_id column is unindexed

// SearchResult is one ranked full-text hit.
type SearchResult struct {
	NodeID  string
	Rank    float64 // bm25, lower is better
	Snippet string
}

// SearchNodes runs a plain full-text query over all indexed fields.
func (s *Store) SearchNodes(query string, limit, offset int) ([]SearchResult, error) {
	return s.SearchNodesAdvanced(query, SearchFilters{}, nil, limit, offset)
}

// SearchNodesAdvanced runs a full-text query restricted to the given
// fields (nil = all) and filtered by structured attributes. Results are a
// subset of the unrestricted query for any restrictive filter.
func (s *Store) SearchNodesAdvanced(query string, filters SearchFilters, fields []string, limit, offset int) ([]SearchResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchNodesAdvanced")
	defer timer.Stop()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	ftsEnabled := s.ftsExt
	s.mu.RUnlock()
	if !ftsEnabled {
		return s.searchLike(query, filters, fields, limit, offset)
	}

	match, err := buildMatch(query, fields)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []interface{}{match}
	sb.WriteString(`
		SELECT f.node_id,
		       bm25(nodes_fts, ` + ftsWeights + `) AS rank,
		       snippet(nodes_fts, 1, '[', ']', '…', 12) AS snip
		FROM nodes_fts f
		JOIN nodes n ON n.node_id = f.node_id
		WHERE nodes_fts MATCH ?`)

	appendNodeFilters(&sb, &args, filters, "n")

	sb.WriteString(" ORDER BY rank ASC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	s.mu.RLock()
	rows, err := s.db.Query(sb.String(), args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.NodeID, &r.Rank, &r.Snippet); err != nil {
			logging.Get(logging.CategoryStore).Warn("Search row scan failed: %v", err)
			continue
		}
		results = append(results, r)
	}
	logging.StoreDebug("Search %q returned %d results", query, len(results))
	return results, rows.Err()
}

// searchLike is the degraded search used when FTS5 is unavailable: every
// term must appear (case-insensitive) in one of the requested fields.
// Results are ordered newest analysis first; no relevance ranking is
// applied and Rank stays 0.
func (s *Store) searchLike(query string, filters SearchFilters, fields []string, limit, offset int) ([]SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil, fmt.Errorf("empty search query")
	}
	cols := fields
	if len(cols) == 0 {
		cols = ftsFields
	} else {
		valid := make(map[string]bool, len(ftsFields))
		for _, f := range ftsFields {
			valid[f] = true
		}
		for _, f := range cols {
			if !valid[f] {
				return nil, fmt.Errorf("unknown search field: %s", f)
			}
		}
	}

	var sb strings.Builder
	var args []interface{}
	sb.WriteString(`
		SELECT t.node_id, t.summary
		FROM nodes_text t
		JOIN nodes n ON n.node_id = t.node_id
		WHERE 1=1`)
	for _, term := range terms {
		sb.WriteString(" AND (")
		for i, col := range cols {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("lower(t." + col + ") LIKE ?")
			args = append(args, "%"+term+"%")
		}
		sb.WriteString(")")
	}
	appendNodeFilters(&sb, &args, filters, "n")
	sb.WriteString(" ORDER BY n.analyzed_at DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	s.mu.RLock()
	rows, err := s.db.Query(sb.String(), args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("fallback search failed: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var summary string
		if rows.Scan(&r.NodeID, &summary) != nil {
			continue
		}
		if len(summary) > 120 {
			summary = summary[:120] + "…"
		}
		r.Snippet = summary
		results = append(results, r)
	}
	return results, rows.Err()
}

// buildMatch assembles the FTS5 MATCH expression, quoting each term and
// optionally restricting to a column set.
func buildMatch(query string, fields []string) (string, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return "", fmt.Errorf("empty search query")
	}
	for i, t := range terms {
		// Quote terms so user input never reaches the FTS expression parser.
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	expr := strings.Join(terms, " ")

	if len(fields) == 0 {
		return expr, nil
	}
	valid := make(map[string]bool, len(ftsFields))
	for _, f := range ftsFields {
		valid[f] = true
	}
	var cols []string
	for _, f := range fields {
		if !valid[f] {
			return "", fmt.Errorf("unknown search field: %s", f)
		}
		cols = append(cols, f)
	}
	return "{" + strings.Join(cols, " ") + "}: (" + expr + ")", nil
}

// appendNodeFilters adds the structured WHERE clauses shared by full-text
// and vector search. alias is the nodes table alias in the outer query.
func appendNodeFilters(sb *strings.Builder, args *[]interface{}, f SearchFilters, alias string) {
	if f.Project != "" {
		sb.WriteString(" AND " + alias + ".project = ?")
		*args = append(*args, f.Project)
	}
	if f.Type != "" {
		sb.WriteString(" AND " + alias + ".type = ?")
		*args = append(*args, f.Type)
	}
	if f.Outcome != "" {
		sb.WriteString(" AND " + alias + ".outcome = ?")
		*args = append(*args, f.Outcome)
	}
	if f.Computer != "" {
		sb.WriteString(" AND " + alias + ".computer = ?")
		*args = append(*args, f.Computer)
	}
	if !f.Since.IsZero() {
		sb.WriteString(" AND " + alias + ".timestamp >= ?")
		*args = append(*args, f.Since)
	}
	if !f.Until.IsZero() {
		sb.WriteString(" AND " + alias + ".timestamp <= ?")
		*args = append(*args, f.Until)
	}
	if f.HadClearGoal != nil {
		sb.WriteString(" AND " + alias + ".had_clear_goal = ?")
		*args = append(*args, *f.HadClearGoal)
	}
	if f.IsNewProject != nil {
		sb.WriteString(" AND " + alias + ".is_new_project = ?")
		*args = append(*args, *f.IsNewProject)
	}
	for _, tag := range f.Tags {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM node_tags t WHERE t.node_id = " + alias + ".node_id AND t.tag = ?)")
		*args = append(*args, tag)
	}
	for _, topic := range f.Topics {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM node_topics tp WHERE tp.node_id = " + alias + ".node_id AND tp.topic = ?)")
		*args = append(*args, topic)
	}
}
