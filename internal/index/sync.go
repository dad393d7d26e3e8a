package index

import (
	"log/slog"
	"strings"

	"github.com/starford/recordbook/internal/checksum"
	"github.com/starford/recordbook/internal/parser"
	"github.com/starford/recordbook/internal/storage"
)

// Sync brings the index up to date with the repository: changed documents
// are parsed and upserted, and documents gone from disk are removed.
func Sync(db *DB, store storage.Provider, logger *slog.Logger) error {
	return reconcile(db, store, logger, nil)
}

// reconcile diffs on-disk checksums against the index and applies the
// difference, reporting each change to cb when it is non-nil.
func reconcile(db *DB, store storage.Provider, logger *slog.Logger, cb EventCallback) error {
	metas, err := store.List("")
	if err != nil {
		return err
	}
	indexed, err := db.AllChecksums()
	if err != nil {
		return err
	}

	onDisk := make(map[string]struct{}, len(metas))
	for _, m := range metas {
		onDisk[m.Path] = struct{}{}
		known, ok := indexed[m.Path]
		if ok && known == m.Checksum {
			continue
		}
		data, err := store.Read(m.Path)
		if err != nil {
			logger.Warn("sync: read failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		if err := IndexDocument(db, m.Path, data); err != nil {
			logger.Warn("sync: index failed", slog.String("path", m.Path), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("sync: indexed", slog.String("path", m.Path))
		if cb != nil {
			kind := "created"
			if ok {
				kind = "updated"
			}
			cb(kind, m.Path)
		}
	}

	for p := range indexed {
		if _, ok := onDisk[p]; ok {
			continue
		}
		if err := db.DeleteDocument(p); err != nil {
			logger.Warn("sync: delete failed", slog.String("path", p), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("sync: removed stale", slog.String("path", p))
		if cb != nil {
			cb("deleted", p)
		}
	}
	return nil
}

// IndexDocument parses data and upserts the document and its blocks.
func IndexDocument(db DocumentIndex, path string, data []byte) error {
	doc := parser.Parse(string(data))

	blocks := make([]BlockRow, len(doc.Blocks))
	for i, b := range doc.Blocks {
		status, _ := b.Machine["status"].(string)
		blocks[i] = BlockRow{
			Path:    path,
			Anchor:  b.Anchor,
			Level:   b.Level,
			Heading: b.Heading,
			Status:  status,
			Machine: b.Machine,
		}
	}

	row := DocumentRow{
		Path:        path,
		Title:       doc.Title,
		Checksum:    checksum.Sum(data),
		Tags:        doc.Tags,
		Frontmatter: doc.Frontmatter,
	}
	links := make([]string, 0, len(doc.Links))
	for _, l := range doc.Links {
		if !strings.HasSuffix(l, storage.DocExt) {
			l += storage.DocExt
		}
		links = append(links, l)
	}
	body := strings.Join(doc.Lines[doc.BodyStart:], "\n")
	return db.UpsertDocument(row, body, blocks, links)
}
