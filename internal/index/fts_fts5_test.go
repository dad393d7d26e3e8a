//go:build sqlite_fts5

package index

import (
	"strings"
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM documents_fts`).Scan(&count); err != nil {
		t.Fatalf("documents_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	row := DocumentRow{Path: "clients/acme.md", Title: "Acme", Checksum: "f1", Tags: []string{"client"}}
	if err := db.UpsertDocument(row, "Acme renewed the retainer after a long negotiation.", nil, nil); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	results, err := db.Search("retainer", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Path != "clients/acme.md" {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Snippet, "<b>retainer</b>") {
		t.Errorf("snippet = %q", results[0].Snippet)
	}
}

func TestFTS5_DeleteRemovesFromFTS(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertDocument(DocumentRow{Path: "gone.md", Checksum: "g"}, "vanishing content", nil, nil)
	_ = db.DeleteDocument("gone.md")

	results, _ := db.Search("vanishing", 10)
	if len(results) != 0 {
		t.Errorf("deleted document still in FTS index: %+v", results)
	}
}

func TestFTS5_UpsertReplacesContent(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertDocument(DocumentRow{Path: "evo.md", Title: "Old", Checksum: "1"}, "original text", nil, nil)
	_ = db.UpsertDocument(DocumentRow{Path: "evo.md", Title: "New", Checksum: "2"}, "replacement text", nil, nil)

	results, _ := db.Search("original", 10)
	if len(results) != 0 {
		t.Error("old FTS content should be gone")
	}
	results, _ = db.Search("replacement", 10)
	if len(results) != 1 || results[0].Title != "New" {
		t.Errorf("FTS not updated: %+v", results)
	}
}
