package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"engram/internal/logging"
	"engram/internal/types"
)

// Node documents live at nodes/YYYY/MM/<nodeId>-v<version>.json, one file
// per version. The document is the source of truth for rich content and
// history; rows index the current version only.

var docNameRe = regexp.MustCompile(`^([0-9a-f]{16})-v(\d+)\.json$`)

// DocumentPath returns the document location for a node version relative
// to the nodes directory, bucketed by the analysis timestamp.
func DocumentPath(nodeID string, version int, analyzedAt time.Time) string {
	if analyzedAt.IsZero() {
		analyzedAt = time.Now()
	}
	return filepath.Join(
		analyzedAt.UTC().Format("2006"),
		analyzedAt.UTC().Format("01"),
		fmt.Sprintf("%s-v%d.json", nodeID, version),
	)
}

// ParseDocumentPath extracts (nodeId, version, year, month) from a path
// like nodes/2026/08/abcdef0123456789-v2.json.
func ParseDocumentPath(path string) (nodeID string, version, year, month int, err error) {
	m := docNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return "", 0, 0, 0, fmt.Errorf("not a node document path: %s", path)
	}
	nodeID = m[1]
	version, _ = strconv.Atoi(m[2])

	monthDir := filepath.Dir(path)
	yearDir := filepath.Dir(monthDir)
	month, err = strconv.Atoi(filepath.Base(monthDir))
	if err != nil || month < 1 || month > 12 {
		return "", 0, 0, 0, fmt.Errorf("bad month directory in %s", path)
	}
	year, err = strconv.Atoi(filepath.Base(yearDir))
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("bad year directory in %s", path)
	}
	return nodeID, version, year, month, nil
}

// writeDocument persists one node version to disk. The write goes through
// a temp file + rename so readers never observe a torn document.
func (s *Store) writeDocument(node *types.Node, relPath string) error {
	full := filepath.Join(s.nodesDir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create document directory: %w", err)
	}

	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal node document: %w", err)
	}

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write node document: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit node document: %w", err)
	}
	logging.StoreDebug("Wrote node document: %s", relPath)
	return nil
}

// ReadDocument loads one node version from disk.
func (s *Store) ReadDocument(relPath string) (*types.Node, error) {
	data, err := os.ReadFile(filepath.Join(s.nodesDir, relPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read node document %s: %w", relPath, err)
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to parse node document %s: %w", relPath, err)
	}
	return &node, nil
}

// walkDocuments visits every node document under the nodes directory,
// yielding relative paths.
func (s *Store) walkDocuments(fn func(relPath string, nodeID string, version int) error) error {
	return filepath.Walk(s.nodesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.nodesDir, path)
		if relErr != nil {
			return relErr
		}
		nodeID, version, _, _, parseErr := ParseDocumentPath(rel)
		if parseErr != nil {
			// Stray files in the tree are ignored, not fatal.
			logging.StoreDebug("Skipping non-document file: %s", rel)
			return nil
		}
		return fn(rel, nodeID, version)
	})
}
