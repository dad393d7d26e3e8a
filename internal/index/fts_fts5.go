//go:build sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			path UNINDEXED,
			title,
			body,
			tags,
			blocks,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

// ftsUpsert indexes block anchors and headings alongside the body so a
// search for an anchor finds the document holding it.
func ftsUpsert(tx *sql.Tx, d DocumentRow, body string, blocks []BlockRow) error {
	ftsDelete(tx, d.Path)
	labels := make([]string, 0, 2*len(blocks))
	for _, b := range blocks {
		labels = append(labels, b.Anchor, b.Heading)
	}
	_, err := tx.Exec(`INSERT INTO documents_fts (path, title, body, tags, blocks) VALUES (?, ?, ?, ?, ?)`,
		d.Path, d.Title, body, strings.Join(d.Tags, " "), strings.Join(labels, " "))
	if err != nil {
		return fmt.Errorf("index: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, path string) {
	_, _ = tx.Exec(`DELETE FROM documents_fts WHERE path = ?`, path)
}

// Search runs an FTS5 MATCH query, best matches first, with a highlighted
// body snippet.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT path,
		       title,
		       snippet(documents_fts, 2, '<b>', '</b>', '...', 64)
		FROM documents_fts
		WHERE documents_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("index: search: %w", err)
	}
	defer rows.Close()

	out := []SearchResult{}
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Path, &r.Title, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
