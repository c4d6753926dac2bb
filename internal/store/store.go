// Package store implements engram's knowledge store: node rows + child
// tables in SQLite, node documents on disk as the source of truth, an
// FTS5 full-text index, a sqlite-vec vector index, and the typed edge
// graph.
//
// Writes are document-first, row-second. Deterministic node IDs make every
// write path idempotent, so a crash between the two steps is recovered by
// replaying the upsert.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"engram/internal/embedding"
	"engram/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single shared mutable resource of the daemon: one writer
// connection guarded by mu, WAL durability, and the node document tree.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	nodesDir string

	vectorExt bool // sqlite-vec vec0 available
	ftsExt    bool // FTS5 available (sqlite_fts5 build tag)
	vecDim    int  // vec_index dimensionality once created
	engine    embedding.Engine
}

// Open initializes the SQLite database at dbPath and the node document
// tree at nodesDir.
func Open(dbPath, nodesDir string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store: db=%s nodes=%s", dbPath, nodesDir)

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	if nodesDir != "" {
		if err := os.MkdirAll(nodesDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create nodes directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; readers share the same pool and rely on WAL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// WAL already provides crash recovery; NORMAL buys a large write speedup.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: dbPath, nodesDir: nodesDir}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	if s.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; vector search falls back to brute-force cosine")
	}

	logging.Store("Store initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	nodesTable := `
	CREATE TABLE IF NOT EXISTS nodes (
		node_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 1,
		session_file TEXT NOT NULL,
		segment_start TEXT NOT NULL,
		segment_end TEXT NOT NULL,
		project TEXT,
		computer TEXT,
		timestamp DATETIME,
		type TEXT NOT NULL,
		outcome TEXT NOT NULL,
		had_clear_goal BOOLEAN DEFAULT FALSE,
		is_new_project BOOLEAN DEFAULT FALSE,
		summary TEXT NOT NULL,
		tokens_used INTEGER DEFAULT 0,
		cost REAL DEFAULT 0,
		duration_minutes REAL DEFAULT 0,
		model TEXT,
		prompt_version TEXT,
		analyzed_at DATETIME,
		friction_score REAL DEFAULT 0,
		delight_score REAL DEFAULT 0,
		doc_path TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_session ON nodes(session_file);
	CREATE INDEX IF NOT EXISTS idx_nodes_project ON nodes(project);
	CREATE INDEX IF NOT EXISTS idx_nodes_type ON nodes(type);
	CREATE INDEX IF NOT EXISTS idx_nodes_outcome ON nodes(outcome);
	CREATE INDEX IF NOT EXISTS idx_nodes_timestamp ON nodes(timestamp);
	CREATE INDEX IF NOT EXISTS idx_nodes_prompt ON nodes(prompt_version);
	`

	childTables := `
	CREATE TABLE IF NOT EXISTS node_decisions (
		node_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		what TEXT NOT NULL,
		why TEXT,
		alternatives TEXT,
		PRIMARY KEY(node_id, seq)
	);
	CREATE TABLE IF NOT EXISTS node_lessons (
		node_id TEXT NOT NULL,
		level TEXT NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lessons_node ON node_lessons(node_id);
	CREATE INDEX IF NOT EXISTS idx_lessons_level ON node_lessons(level);
	CREATE TABLE IF NOT EXISTS node_quirks (
		node_id TEXT NOT NULL,
		observation TEXT NOT NULL,
		frequency INTEGER DEFAULT 1,
		severity TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_quirks_node ON node_quirks(node_id);
	CREATE TABLE IF NOT EXISTS node_tool_errors (
		node_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		kind TEXT,
		count INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_tool_errors_node ON node_tool_errors(node_id);
	CREATE TABLE IF NOT EXISTS node_tags (
		node_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY(node_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_tag ON node_tags(tag);
	CREATE TABLE IF NOT EXISTS node_topics (
		node_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		PRIMARY KEY(node_id, topic)
	);
	CREATE INDEX IF NOT EXISTS idx_topics_topic ON node_topics(topic);
	CREATE TABLE IF NOT EXISTS node_files (
		node_id TEXT NOT NULL,
		path TEXT NOT NULL,
		PRIMARY KEY(node_id, path)
	);
	`

	edgesTable := `
	CREATE TABLE IF NOT EXISTS edges (
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		type TEXT NOT NULL,
		created_by TEXT NOT NULL,
		confidence REAL DEFAULT 0,
		similarity REAL DEFAULT 0,
		unresolved_target TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(source, target, type)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
	`

	embeddingsTable := `
	CREATE TABLE IF NOT EXISTS embeddings (
		node_id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		input_text TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	// Plain-text fallback mirror of the FTS columns, used when the driver
	// was built without FTS5.
	textTable := `
	CREATE TABLE IF NOT EXISTS nodes_text (
		node_id TEXT PRIMARY KEY,
		summary TEXT,
		decisions TEXT,
		lessons TEXT,
		tags TEXT,
		topics TEXT
	);
	`

	aggregateTables := `
	CREATE TABLE IF NOT EXISTS failure_patterns (
		tool TEXT NOT NULL,
		kind TEXT NOT NULL,
		count INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(tool, kind)
	);
	CREATE TABLE IF NOT EXISTS quirk_patterns (
		observation TEXT NOT NULL,
		model TEXT,
		frequency INTEGER NOT NULL,
		severity TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(observation, model)
	);
	CREATE TABLE IF NOT EXISTS lesson_patterns (
		level TEXT NOT NULL,
		text TEXT NOT NULL,
		count INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(level, text)
	);
	CREATE TABLE IF NOT EXISTS clusters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		model TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS cluster_members (
		cluster_id INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		distance REAL DEFAULT 0,
		PRIMARY KEY(cluster_id, node_id)
	);
	`

	for _, table := range []string{nodesTable, childTables, edgesTable, embeddingsTable, textTable, aggregateTables} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	// FTS5 needs the sqlite_fts5 build tag; without it, search degrades to
	// LIKE over nodes_text.
	ftsTable := `
	CREATE VIRTUAL TABLE IF NOT EXISTS nodes_fts USING fts5(
		node_id UNINDEXED,
		summary,
		decisions,
		lessons,
		tags,
		topics
	);
	`
	if _, err := s.db.Exec(ftsTable); err == nil {
		s.ftsExt = true
	} else {
		logging.Get(logging.CategoryStore).Warn("FTS5 unavailable; full-text search falls back to LIKE: %v", err)
	}
	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (s *Store) detectVecExtension() {
	if s.db == nil {
		return
	}
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
}

// SetEmbeddingEngine configures the optional embedding engine used by the
// rebuild and backfill paths. The ingest path passes vectors explicitly.
func (s *Store) SetEmbeddingEngine(engine embedding.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine = engine
	if engine != nil {
		logging.Store("Embedding engine set: %s (dimensions=%d)", engine.Name(), engine.Dimensions())
		s.initVecIndex(engine.Dimensions())
	}
}

// DB exposes the underlying connection so the queue can share the same
// writer and WAL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NodesDir returns the node document root.
func (s *Store) NodesDir() string {
	return s.nodesDir
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store database connection")
	return s.db.Close()
}

// Stats returns row counts for the health surface.
func (s *Store) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"nodes", "edges", "embeddings", "node_lessons", "node_decisions", "clusters"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
