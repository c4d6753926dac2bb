// Package session reads append-only session log files: newline-delimited
// JSON with a header line followed by typed entries forming a tree.
//
// Lines are decoded with gjson so one corrupt line (or an append still in
// flight) never poisons the rest of the file: validity is checked per
// line and fields are pulled individually.
package session

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"engram/internal/logging"
	"engram/internal/types"

	"github.com/tidwall/gjson"
)

// MaxLineBytes bounds a single session log line. Lines beyond this are
// almost certainly corruption, not conversation.
const MaxLineBytes = 16 << 20

// knownEntryTypes is the set of entry types the segmenter understands.
// Unknown types are skipped per the file format contract.
var knownEntryTypes = map[types.EntryType]bool{
	types.EntryUser: true, types.EntryAssistant: true, types.EntryToolResult: true,
	types.EntryCompaction: true, types.EntryBranchSummary: true,
	types.EntryModelChange: true, types.EntryThinkingChange: true,
	types.EntryMarker: true, types.EntryLabel: true, types.EntrySessionInfo: true,
}

// Parse reads and parses the session file at path. A malformed header is
// fatal for the file; invalid entry lines are logged and skipped; a
// truncated trailing line (an append in progress) is tolerated.
func Parse(path string) (*types.Session, error) {
	timer := logging.StartTimer(logging.CategorySession, "Parse")
	defer timer.Stop()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read session header: %w", err)
		}
		// Empty file: zero entries, not an error.
		logging.SessionDebug("Empty session file: %s", path)
		return &types.Session{Path: path}, nil
	}

	header, err := parseHeader(scanner.Text())
	if err != nil {
		return nil, fmt.Errorf("malformed session header in %s: %w", path, err)
	}

	sess := &types.Session{Path: path, Header: header}
	seen := make(map[string]bool)
	lineNo := 1
	skipped := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !gjson.Valid(line) {
			// A broken line mid-file is corruption worth logging; a broken
			// final line is an append in progress and expected.
			skipped++
			logging.SessionDebug("Skipping invalid JSON at line %d in %s", lineNo, path)
			continue
		}

		id := gjson.Get(line, "id").Str
		if id == "" {
			skipped++
			continue
		}
		if seen[id] {
			logging.Get(logging.CategorySession).Warn("Duplicate entry id %q at line %d in %s; keeping first", id, lineNo, path)
			continue
		}
		et := types.EntryType(gjson.Get(line, "type").Str)
		if !knownEntryTypes[et] {
			logging.SessionDebug("Ignoring unknown entry type %q at line %d in %s", gjson.Get(line, "type").Str, lineNo, path)
			continue
		}
		seen[id] = true

		entry := types.Entry{
			ID:        id,
			ParentID:  gjson.Get(line, "parentId").Str,
			Timestamp: parseTimestamp(gjson.Get(line, "timestamp").Str),
			Type:      et,
		}
		if payload := gjson.Get(line, "payload"); payload.Exists() {
			entry.Payload = []byte(payload.Raw)
			decodePayload(&entry, payload)
		}
		sess.Entries = append(sess.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	logging.SessionDebug("Parsed %s: %d entries (%d lines skipped)", path, len(sess.Entries), skipped)
	return sess, nil
}

// parseHeader decodes the first line: {version, cwd, parentSession?}.
func parseHeader(line string) (types.SessionHeader, error) {
	var header types.SessionHeader
	if !gjson.Valid(line) {
		return header, fmt.Errorf("invalid JSON")
	}
	header.Version = int(gjson.Get(line, "version").Int())
	header.Cwd = gjson.Get(line, "cwd").Str
	if header.Cwd == "" {
		return header, fmt.Errorf("missing cwd")
	}
	if parent := gjson.Get(line, "parentSession"); parent.Exists() {
		header.ParentSession = &types.ParentRef{
			Path:    parent.Get("path").Str,
			EntryID: parent.Get("entryId").Str,
		}
	}
	return header, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// decodePayload fills the convenience fields the segmenter reads. Absent
// fields stay zero; the raw payload bytes remain on the entry.
func decodePayload(e *types.Entry, payload gjson.Result) {
	e.Text = payload.Get("text").Str
	e.ToolName = payload.Get("tool").Str
	e.ErrorKind = payload.Get("errorKind").Str
	e.IsError = payload.Get("isError").Bool()
	e.Marker = payload.Get("name").Str
	e.Model = payload.Get("model").Str
	e.UserFlag = payload.Get("flagged").Bool()
	if files := payload.Get("files"); files.IsArray() {
		files.ForEach(func(_, value gjson.Result) bool {
			if value.Str != "" {
				e.Files = append(e.Files, value.Str)
			}
			return true
		})
	}
}
