package index

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/starford/recordbook/internal/apperr"
)

// DocumentRow represents a row in the documents table.
type DocumentRow struct {
	Path        string
	Title       string
	Checksum    string
	Tags        []string
	Frontmatter map[string]any
	UpdatedAt   time.Time
}

// BlockRow is one anchored block of an indexed document. Status mirrors the
// machine mapping's "status" field when it is a string.
type BlockRow struct {
	Path     string
	Anchor   string
	Position int
	Level    int
	Heading  string
	Status   string
	Machine  map[string]any
}

// BlockQuery filters FindBlocks. Empty fields match everything.
type BlockQuery struct {
	Anchor string
	Status string
	Prefix string // path prefix
	Limit  int
}

// SearchResult represents one search hit.
type SearchResult struct {
	Path    string
	Title   string
	Snippet string
}

// UpsertDocument replaces a document, its blocks, FTS entry and outgoing
// links within one transaction.
func (db *DB) UpsertDocument(d DocumentRow, body string, blocks []BlockRow, links []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	tagsJSON, _ := json.Marshal(nonNil(d.Tags))
	fmJSON, err := json.Marshal(emptyMap(d.Frontmatter))
	if err != nil {
		return fmt.Errorf("index: encode frontmatter: %w", err)
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO documents (path, title, checksum, tags, frontmatter, body, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title       = excluded.title,
			checksum    = excluded.checksum,
			tags        = excluded.tags,
			frontmatter = excluded.frontmatter,
			body        = excluded.body,
			updated_at  = excluded.updated_at
	`, d.Path, d.Title, d.Checksum, string(tagsJSON), string(fmJSON), body, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("index: upsert document: %w", err)
	}

	if err := ftsUpsert(tx, d, body, blocks); err != nil {
		return err
	}

	_, _ = tx.Exec(`DELETE FROM blocks WHERE path = ?`, d.Path)
	if len(blocks) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO blocks (path, anchor, position, level, heading, status, machine) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("index: prepare block insert: %w", err)
		}
		defer stmt.Close()
		for i, b := range blocks {
			machine, err := json.Marshal(emptyMap(b.Machine))
			if err != nil {
				return fmt.Errorf("index: encode machine %s#%s: %w", d.Path, b.Anchor, err)
			}
			if _, err := stmt.Exec(d.Path, b.Anchor, i, b.Level, b.Heading, b.Status, string(machine)); err != nil {
				return fmt.Errorf("index: insert block: %w", err)
			}
		}
	}

	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, d.Path)
	if len(links) > 0 {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO links (source, target, type) VALUES (?, ?, 'inline')`)
		if err != nil {
			return fmt.Errorf("index: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, target := range links {
			if _, err := stmt.Exec(d.Path, target); err != nil {
				return fmt.Errorf("index: insert link: %w", err)
			}
		}
	}

	return tx.Commit()
}

// DeleteDocument removes a document with its blocks, FTS entry and outgoing
// links.
func (db *DB) DeleteDocument(path string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ftsDelete(tx, path)
	_, _ = tx.Exec(`DELETE FROM links WHERE source = ?`, path)
	_, _ = tx.Exec(`DELETE FROM blocks WHERE path = ?`, path)
	_, _ = tx.Exec(`DELETE FROM documents WHERE path = ?`, path)

	return tx.Commit()
}

// GetChecksum returns the stored checksum for a document, or empty string if
// it is not indexed.
func (db *DB) GetChecksum(path string) (string, error) {
	var cs string
	err := db.conn.QueryRow(`SELECT checksum FROM documents WHERE path = ?`, path).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("index: checksum: %w", err)
	}
	return cs, nil
}

// GetDocument returns one indexed document.
func (db *DB) GetDocument(path string) (*DocumentRow, error) {
	row := db.conn.QueryRow(`SELECT path, title, checksum, tags, frontmatter, updated_at FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("index: get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns a page of documents ordered by path, optionally
// restricted to a tag, plus the total number of matches.
func (db *DB) ListDocuments(limit, offset int, tag string) ([]DocumentRow, int, error) {
	if limit <= 0 {
		limit = 50
	}
	where, args := "", []any{}
	if tag != "" {
		where = `WHERE EXISTS (SELECT 1 FROM json_each(documents.tags) WHERE json_each.value = ?)`
		args = append(args, tag)
	}

	var total int
	if err := db.conn.QueryRow(`SELECT count(*) FROM documents `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("index: count documents: %w", err)
	}

	rows, err := db.conn.Query(`SELECT path, title, checksum, tags, frontmatter, updated_at FROM documents `+where+` ORDER BY path LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("index: list documents: %w", err)
	}
	defer rows.Close()

	out := []DocumentRow{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

// Blocks returns the blocks of one document in document order.
func (db *DB) Blocks(path string) ([]BlockRow, error) {
	return db.queryBlocks(`SELECT path, anchor, position, level, heading, status, machine FROM blocks WHERE path = ? ORDER BY position`, path)
}

// FindBlocks searches blocks across the repository.
func (db *DB) FindBlocks(q BlockQuery) ([]BlockRow, error) {
	var conds []string
	var args []any
	if q.Anchor != "" {
		conds = append(conds, "anchor = ?")
		args = append(args, q.Anchor)
	}
	if q.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, q.Status)
	}
	if q.Prefix != "" {
		conds = append(conds, "path LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	query := `SELECT path, anchor, position, level, heading, status, machine FROM blocks`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY path, position LIMIT ?"
	args = append(args, limit)
	return db.queryBlocks(query, args...)
}

func (db *DB) queryBlocks(query string, args ...any) ([]BlockRow, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: query blocks: %w", err)
	}
	defer rows.Close()

	out := []BlockRow{}
	for rows.Next() {
		var b BlockRow
		var machine string
		if err := rows.Scan(&b.Path, &b.Anchor, &b.Position, &b.Level, &b.Heading, &b.Status, &machine); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(machine), &b.Machine); err != nil {
			return nil, fmt.Errorf("index: decode machine %s#%s: %w", b.Path, b.Anchor, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AllChecksums returns path → checksum for every indexed document.
func (db *DB) AllChecksums() (map[string]string, error) {
	rows, err := db.conn.Query(`SELECT path, checksum FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("index: all checksums: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var p, cs string
		if err := rows.Scan(&p, &cs); err != nil {
			return nil, err
		}
		out[p] = cs
	}
	return out, rows.Err()
}

// Backlinks returns all document paths that link to the given target.
func (db *DB) Backlinks(target string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT source FROM links WHERE target = ? ORDER BY source`, target)
	if err != nil {
		return nil, fmt.Errorf("index: backlinks: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*DocumentRow, error) {
	var d DocumentRow
	var tags, fm string
	if err := s.Scan(&d.Path, &d.Title, &d.Checksum, &tags, &fm, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
		return nil, fmt.Errorf("index: decode tags %s: %w", d.Path, err)
	}
	if err := json.Unmarshal([]byte(fm), &d.Frontmatter); err != nil {
		return nil, fmt.Errorf("index: decode frontmatter %s: %w", d.Path, err)
	}
	return &d, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
