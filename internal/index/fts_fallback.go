//go:build !sqlite_fts5

package index

import (
	"database/sql"
	"fmt"
)

// Without FTS5 the documents and blocks tables are searched directly, so
// there is nothing extra to maintain.
func initFTS(*sql.DB) error { return nil }

func ftsUpsert(*sql.Tx, DocumentRow, string, []BlockRow) error { return nil }

func ftsDelete(*sql.Tx, string) {}

// Search matches query as a case-insensitive substring of a document's
// title, body or tags, or of any block heading or anchor. Results are
// ordered by path; the snippet is the start of the body.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + escapeLike(query) + "%"
	rows, err := db.conn.Query(`
		SELECT d.path, d.title, substr(d.body, 1, 200)
		FROM documents d
		WHERE d.title LIKE ?1 ESCAPE '\'
		   OR d.body LIKE ?1 ESCAPE '\'
		   OR d.tags LIKE ?1 ESCAPE '\'
		   OR EXISTS (
				SELECT 1 FROM blocks b
				WHERE b.path = d.path
				  AND (b.heading LIKE ?1 ESCAPE '\' OR b.anchor LIKE ?1 ESCAPE '\')
		   )
		ORDER BY d.path
		LIMIT ?2
	`, like, limit)
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
