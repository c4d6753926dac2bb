package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"engram/internal/embedding"
	"engram/internal/logging"
)

// One vector per node, tagged with the model and the exact input text so
// format drift is detectable. When sqlite-vec is available the vector is
// mirrored into a vec0 table for ANN search; otherwise search falls back
// to brute-force cosine over the embeddings table.

// VectorMatch is one vector search hit.
type VectorMatch struct {
	NodeID   string
	Distance float64 // cosine distance, lower is closer
}

// initVecIndex creates the vec0 table once; if creation fails vectorExt
// is disabled and search falls back to brute force. Caller holds s.mu.
func (s *Store) initVecIndex(dim int) {
	if dim <= 0 || s.db == nil || s.vecDim == dim {
		return
	}
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d], node_id TEXT)", dim)
	if _, err := s.db.Exec(stmt); err == nil {
		s.vecDim = dim
		s.vectorExt = true
		logging.Store("sqlite-vec index initialized (dimensions=%d)", dim)
	} else {
		s.vectorExt = false
		logging.Get(logging.CategoryStore).Warn("Failed to create sqlite-vec index: %v", err)
	}
}

// StoreEmbedding writes a node's vector atomically to the embeddings row
// and, when available, the vec0 index. Insert is upsert.
func (s *Store) StoreEmbedding(nodeID, model, inputText string, vec []float32) error {
	timer := logging.StartTimer(logging.CategoryStore, "StoreEmbedding")
	defer timer.Stop()

	if nodeID == "" || len(vec) == 0 {
		return fmt.Errorf("embedding requires a node id and a non-empty vector")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The vec0 table is created lazily from the first vector's width, so
	// the ingest path works whether or not an engine was registered at
	// startup.
	if s.vectorExt {
		s.initVecIndex(len(vec))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin embedding transaction: %w", err)
	}
	defer tx.Rollback()

	blob := encodeFloat32Slice(vec)
	if _, err := tx.Exec(`
		INSERT INTO embeddings (node_id, model, input_text, vector, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(node_id) DO UPDATE SET
			model = excluded.model,
			input_text = excluded.input_text,
			vector = excluded.vector,
			created_at = CURRENT_TIMESTAMP`,
		nodeID, model, inputText, blob); err != nil {
		return fmt.Errorf("failed to store embedding row: %w", err)
	}

	if s.vectorExt {
		if _, err := tx.Exec("DELETE FROM vec_index WHERE node_id = ?", nodeID); err != nil {
			return fmt.Errorf("failed to clear vec index row: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO vec_index (embedding, node_id) VALUES (?, ?)", blob, nodeID); err != nil {
			return fmt.Errorf("failed to insert vec index row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embedding: %w", err)
	}
	logging.StoreDebug("Stored embedding for %s (model=%s, dim=%d)", nodeID, model, len(vec))
	return nil
}

// DeleteEmbedding removes a node's vector from both stores.
func (s *Store) DeleteEmbedding(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM embeddings WHERE node_id = ?", nodeID); err != nil {
		return err
	}
	if s.vectorExt {
		_, _ = s.db.Exec("DELETE FROM vec_index WHERE node_id = ?", nodeID)
	}
	return nil
}

// EmbeddingInfo returns (model, inputText) for a node's stored vector, or
// ("", "") when none exists.
func (s *Store) EmbeddingInfo(nodeID string) (model, inputText string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow("SELECT model, input_text FROM embeddings WHERE node_id = ?", nodeID).
		Scan(&model, &inputText)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return model, inputText, err
}

// SearchByVector returns the closest node IDs to the query vector,
// optionally restricted by structured filters.
func (s *Store) SearchByVector(query []float32, limit int, filters SearchFilters) ([]VectorMatch, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchByVector")
	defer timer.Stop()

	if limit <= 0 {
		limit = 10
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}

	s.mu.RLock()
	vecEnabled := s.vectorExt
	s.mu.RUnlock()

	if vecEnabled {
		return s.searchVec(query, limit, filters)
	}
	return s.searchBruteForce(query, limit, filters)
}

// searchVec runs the ANN query through sqlite-vec.
func (s *Store) searchVec(query []float32, limit int, filters SearchFilters) ([]VectorMatch, error) {
	var sb strings.Builder
	args := []interface{}{encodeFloat32Slice(query)}
	sb.WriteString(`
		SELECT v.node_id, vec_distance_cosine(v.embedding, ?) AS dist
		FROM vec_index v
		JOIN nodes n ON n.node_id = v.node_id
		WHERE 1=1`)
	appendNodeFilters(&sb, &args, filters, "n")
	sb.WriteString(" ORDER BY dist ASC LIMIT ?")
	args = append(args, limit)

	s.mu.RLock()
	rows, err := s.db.Query(sb.String(), args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("sqlite-vec query failed: %w", err)
	}
	defer rows.Close()

	matches := make([]VectorMatch, 0, limit)
	for rows.Next() {
		var m VectorMatch
		if rows.Scan(&m.NodeID, &m.Distance) == nil {
			matches = append(matches, m)
		}
	}
	logging.StoreDebug("sqlite-vec search returned %d matches", len(matches))
	return matches, rows.Err()
}

// searchBruteForce scans every stored vector and ranks by cosine distance.
func (s *Store) searchBruteForce(query []float32, limit int, filters SearchFilters) ([]VectorMatch, error) {
	var sb strings.Builder
	var args []interface{}
	sb.WriteString(`
		SELECT e.node_id, e.vector
		FROM embeddings e
		JOIN nodes n ON n.node_id = e.node_id
		WHERE 1=1`)
	appendNodeFilters(&sb, &args, filters, "n")

	s.mu.RLock()
	rows, err := s.db.Query(sb.String(), args...)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("embedding scan failed: %w", err)
	}
	defer rows.Close()

	var matches []VectorMatch
	for rows.Next() {
		var id string
		var blob []byte
		if rows.Scan(&id, &blob) != nil {
			continue
		}
		vec, decodeErr := decodeFloat32Slice(blob)
		if decodeErr != nil || len(vec) != len(query) {
			continue
		}
		sim := cosineSimilarity(query, vec)
		matches = append(matches, VectorMatch{NodeID: id, Distance: 1 - sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	logging.StoreDebug("Brute-force vector search returned %d matches", len(matches))
	return matches, nil
}

// NodesNeedingEmbedding finds nodes whose vector is missing, generated by
// a different model, or built from a pre-marker input text.
func (s *Store) NodesNeedingEmbedding(model, formatMarker string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`
		SELECT n.node_id FROM nodes n
		LEFT JOIN embeddings e ON e.node_id = n.node_id
		WHERE e.node_id IS NULL
		   OR e.model != ?
		   OR instr(e.input_text, ?) = 0
		ORDER BY n.analyzed_at DESC LIMIT ?`, model, formatMarker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// AllEmbeddings streams every (node_id, vector) pair; used by clustering.
func (s *Store) AllEmbeddings(model string) (map[string][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT node_id, vector FROM embeddings WHERE model = ?", model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]float32)
	for rows.Next() {
		var id string
		var blob []byte
		if rows.Scan(&id, &blob) != nil {
			continue
		}
		if vec, decodeErr := decodeFloat32Slice(blob); decodeErr == nil {
			out[id] = vec
		}
	}
	return out, rows.Err()
}

// ReplaceClusters rewrites the cluster tables from one clustering run.
func (s *Store) ReplaceClusters(model string, clusters [][]string, distances [][]float64) error {
	timer := logging.StartTimer(logging.CategoryStore, "ReplaceClusters")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM cluster_members"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM clusters"); err != nil {
		return err
	}
	for ci, members := range clusters {
		res, err := tx.Exec("INSERT INTO clusters (model) VALUES (?)", model)
		if err != nil {
			return err
		}
		clusterID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for mi, nodeID := range members {
			dist := 0.0
			if ci < len(distances) && mi < len(distances[ci]) {
				dist = distances[ci][mi]
			}
			if _, err := tx.Exec(
				"INSERT INTO cluster_members (cluster_id, node_id, distance) VALUES (?, ?, ?)",
				clusterID, nodeID, dist); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

// RebuildEmbeddings regenerates every node's vector with the configured
// engine. Per-node failures are isolated: one bad node does not abort the
// rebuild.
func (s *Store) RebuildEmbeddings(ctx context.Context, buildText func(nodeID string) (string, error)) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RebuildEmbeddings")
	defer timer.Stop()

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return 0, fmt.Errorf("no embedding engine configured")
	}

	s.mu.RLock()
	rows, err := s.db.Query("SELECT node_id FROM nodes")
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	ids, err := scanIDs(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	logging.Store("Rebuilding embeddings for %d nodes", len(ids))
	rebuilt := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return rebuilt, ctx.Err()
		}
		text, buildErr := buildText(id)
		if buildErr != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping embedding rebuild for %s: %v", id, buildErr)
			continue
		}
		vec, embedErr := engine.Embed(ctx, text)
		if embedErr != nil {
			logging.Get(logging.CategoryStore).Warn("Embedding failed for %s: %v", id, embedErr)
			continue
		}
		if err := s.StoreEmbedding(id, engine.Name(), text, vec); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to store rebuilt embedding for %s: %v", id, err)
			continue
		}
		rebuilt++
	}
	logging.Store("Embedding rebuild complete: %d/%d nodes", rebuilt, len(ids))
	return rebuilt, nil
}

// Engine returns the configured embedding engine (nil when unset).
func (s *Store) Engine() embedding.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

func encodeFloat32Slice(vec []float32) []byte {
	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}

func decodeFloat32Slice(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}

// cosineSimilarity computes cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
