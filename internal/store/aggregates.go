package store

import (
	"fmt"

	"engram/internal/logging"
)

// RecomputePatterns rebuilds the aggregate tables from the child tables.
// Pure DB work; the scheduler runs it on a cron.
func (s *Store) RecomputePatterns() error {
	timer := logging.StartTimer(logging.CategoryStore, "RecomputePatterns")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin aggregation transaction: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM failure_patterns",
		`INSERT INTO failure_patterns (tool, kind, count)
		 SELECT tool, COALESCE(kind,''), SUM(count) FROM node_tool_errors GROUP BY tool, kind`,
		"DELETE FROM quirk_patterns",
		`INSERT INTO quirk_patterns (observation, model, frequency, severity)
		 SELECT q.observation, COALESCE(n.model,''), SUM(q.frequency), MAX(q.severity)
		 FROM node_quirks q JOIN nodes n ON n.node_id = q.node_id
		 GROUP BY q.observation, n.model`,
		"DELETE FROM lesson_patterns",
		`INSERT INTO lesson_patterns (level, text, count)
		 SELECT level, text, COUNT(*) FROM node_lessons GROUP BY level, text`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("pattern aggregation failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pattern aggregation: %w", err)
	}
	logging.Store("Pattern aggregation complete")
	return nil
}
