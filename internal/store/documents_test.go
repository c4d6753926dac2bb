package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDocumentPath(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	path := DocumentPath("abcdef0123456789", 3, at)

	want := filepath.Join("2026", "08", "abcdef0123456789-v3.json")
	if path != want {
		t.Errorf("Expected %s, got %s", want, path)
	}
}

func TestParseDocumentPath(t *testing.T) {
	nodeID, version, year, month, err := ParseDocumentPath(filepath.Join("2026", "08", "abcdef0123456789-v3.json"))
	if err != nil {
		t.Fatalf("ParseDocumentPath failed: %v", err)
	}
	if nodeID != "abcdef0123456789" || version != 3 || year != 2026 || month != 8 {
		t.Errorf("Parsed wrong: id=%s v=%d y=%d m=%d", nodeID, version, year, month)
	}
}

func TestParseDocumentPathRejectsJunk(t *testing.T) {
	cases := []string{
		"2026/08/readme.txt",
		"2026/08/short-v1.json",
		"2026/13/abcdef0123456789-v1.json",
		"abcdef0123456789-v1.json.tmp",
	}
	for _, c := range cases {
		if _, _, _, _, err := ParseDocumentPath(filepath.FromSlash(c)); err == nil {
			t.Errorf("Expected error for %s", c)
		}
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	s := testStore(t)
	in := testNode("s1.jsonl", "e1", "e4")
	res, err := s.Upsert(in)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rel := DocumentPath(res.Node.ID, 1, in.AnalyzedAt)
	out, err := s.ReadDocument(rel)
	if err != nil {
		t.Fatalf("ReadDocument failed: %v", err)
	}
	if out.ID != res.Node.ID || out.Summary != in.Summary || out.Version != 1 {
		t.Errorf("Document round-trip mismatch: %+v", out)
	}
}
