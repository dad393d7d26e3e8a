// Package docservice is the application layer shared by the HTTP API, the
// MCP server and the CLI. It reads documents, runs proposals through the
// executor, gates status changes through state machines, and keeps the index
// and subscribers informed.
package docservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/checksum"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/parser"
	"github.com/starford/recordbook/internal/sse"
	"github.com/starford/recordbook/internal/storage"
	"github.com/starford/recordbook/internal/validate"
	"github.com/starford/recordbook/internal/vcs"
)

// Repository is the document store the service works against.
type Repository interface {
	storage.Provider
	storage.Registry
}

// Publisher receives document change notifications.
type Publisher interface {
	PublishDocumentEvent(kind string, ev sse.DocumentEvent)
}

// DocumentDetail is the full representation of a document.
type DocumentDetail struct {
	Path        string         `json:"path"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Checksum    string         `json:"checksum"`
	Tags        []string       `json:"tags"`
	Frontmatter map[string]any `json:"frontmatter"`
	Blocks      []BlockView    `json:"blocks"`
	Links       []string       `json:"links"`
	Backlinks   []string       `json:"backlinks"`
}

// BlockView is a block as exposed to clients.
type BlockView struct {
	Anchor  string         `json:"anchor"`
	Level   int            `json:"level"`
	Heading string         `json:"heading"`
	Machine map[string]any `json:"machine"`
	Body    string         `json:"body"`
	// Fence is "absent", "closed", "unclosed" or "malformed".
	Fence string `json:"fence"`
}

// DocumentListItem is a lightweight item in a list response.
type DocumentListItem struct {
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Checksum  string    `json:"checksum"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Service coordinates storage, execution, state machines and the index.
type Service struct {
	repo     Repository
	db       index.DocumentIndex
	exec     *executor.Executor
	vcs      vcs.VCS
	machines *fsm.Catalog
	events   Publisher
	logger   *slog.Logger
}

// NewService creates a document service. events may be nil.
func NewService(repo Repository, db index.DocumentIndex, exec *executor.Executor, v vcs.VCS, machines *fsm.Catalog, events Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, db: db, exec: exec, vcs: v, machines: machines, events: events, logger: logger}
}

// GetDocument reads and parses a document by logical path.
func (s *Service) GetDocument(_ context.Context, path string) (*DocumentDetail, error) {
	res, data, err := s.read(path)
	if err != nil {
		return nil, err
	}
	doc := parser.Parse(string(data))
	bl, err := s.db.Backlinks(res.Rel)
	if err != nil {
		return nil, err
	}
	blocks := make([]BlockView, len(doc.Blocks))
	for i := range doc.Blocks {
		blocks[i] = blockView(&doc.Blocks[i])
	}
	return &DocumentDetail{
		Path:        res.Rel,
		Title:       doc.Title,
		Content:     string(data),
		Checksum:    checksum.Sum(data),
		Tags:        nonNilSlice(doc.Tags),
		Frontmatter: nonNilMap(doc.Frontmatter),
		Blocks:      blocks,
		Links:       nonNilSlice(doc.Links),
		Backlinks:   nonNilSlice(bl),
	}, nil
}

// GetBlock returns the first block with anchor in the document.
func (s *Service) GetBlock(_ context.Context, path, anchor string) (*BlockView, error) {
	_, data, err := s.read(path)
	if err != nil {
		return nil, err
	}
	b := parser.Parse(string(data)).Block(anchor)
	if b == nil {
		return nil, fmt.Errorf("block %q: %w", anchor, apperr.ErrNotFound)
	}
	v := blockView(b)
	return &v, nil
}

// CreateDocument writes a new document, commits it and indexes it.
func (s *Service) CreateDocument(ctx context.Context, path string, content []byte) (*DocumentDetail, error) {
	res, err := s.repo.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if res.Exists {
		return nil, apperr.ErrAlreadyExists
	}
	if err := s.repo.Write(res.Rel, content); err != nil {
		return nil, err
	}
	if err := s.vcs.Add(ctx, res.Path); err != nil {
		_ = s.repo.Delete(res.Rel)
		return nil, err
	}
	ref, err := s.vcs.Commit(ctx, "create "+res.Rel, res.Path)
	if err != nil {
		_ = s.repo.Delete(res.Rel)
		return nil, err
	}
	s.reindex(res.Rel)
	s.publish(sse.KindCreated, sse.DocumentEvent{Path: res.Rel, CommitRef: ref})
	return s.GetDocument(ctx, res.Rel)
}

// ListDocuments returns paginated documents with an optional tag filter.
func (s *Service) ListDocuments(_ context.Context, limit, offset int, tag string) ([]DocumentListItem, int, error) {
	rows, total, err := s.db.ListDocuments(limit, offset, tag)
	if err != nil {
		return nil, 0, err
	}
	items := make([]DocumentListItem, len(rows))
	for i, r := range rows {
		items[i] = DocumentListItem{
			Path:      r.Path,
			Title:     r.Title,
			Checksum:  r.Checksum,
			Tags:      nonNilSlice(r.Tags),
			UpdatedAt: r.UpdatedAt,
		}
	}
	return items, total, nil
}

// Search delegates full-text search to the index.
func (s *Service) Search(_ context.Context, query string, limit int) ([]index.SearchResult, error) {
	return s.db.Search(query, limit)
}

// FindBlocks queries indexed blocks across the repository.
func (s *Service) FindBlocks(_ context.Context, q index.BlockQuery) ([]index.BlockRow, error) {
	return s.db.FindBlocks(q)
}

// Backlinks returns the documents that link to path.
func (s *Service) Backlinks(_ context.Context, path string) ([]string, error) {
	res, err := s.repo.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	return s.db.Backlinks(res.Rel)
}

// Validate checks a proposal without applying it.
func (s *Service) Validate(ctx context.Context, p models.Proposal) (validate.Result, error) {
	return s.exec.Validate(ctx, p)
}

// Execute runs a proposal. A committed change is re-indexed and published.
func (s *Service) Execute(ctx context.Context, p models.Proposal) (executor.Result, error) {
	res, err := s.exec.Execute(ctx, p)
	if err != nil {
		return res, err
	}
	if res.Changed {
		s.reindex(res.Path)
		s.publish(sse.KindCommitted, sse.DocumentEvent{Path: res.Path, ProposalID: res.ProposalID, CommitRef: res.CommitRef})
	}
	return res, nil
}

// Reindex parses the document at rel and upserts it into the index.
func (s *Service) Reindex(rel string) error {
	data, err := s.repo.Read(rel)
	if err != nil {
		return err
	}
	return index.IndexDocument(s.db, rel, data)
}

func (s *Service) reindex(rel string) {
	if err := s.Reindex(rel); err != nil {
		s.logger.Warn("docservice: reindex failed", slog.String("path", rel), slog.String("error", err.Error()))
	}
}

func (s *Service) publish(kind string, ev sse.DocumentEvent) {
	if s.events != nil {
		s.events.PublishDocumentEvent(kind, ev)
	}
}

// read resolves path and returns the file content. A missing document is
// apperr.ErrNotFound; a path outside the repository is apperr.ErrInvalid.
func (s *Service) read(path string) (storage.Resolution, []byte, error) {
	res, err := s.repo.Resolve(path)
	if err != nil {
		return storage.Resolution{}, nil, fmt.Errorf("%w: %v", apperr.ErrInvalid, err)
	}
	if !res.Exists {
		return res, nil, fmt.Errorf("document %q: %w", path, apperr.ErrNotFound)
	}
	data, err := s.repo.Read(res.Rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil, fmt.Errorf("document %q: %w", path, apperr.ErrNotFound)
		}
		return res, nil, err
	}
	return res, data, nil
}

func blockView(b *models.Block) BlockView {
	return BlockView{
		Anchor:  b.Anchor,
		Level:   b.Level,
		Heading: b.Heading,
		Machine: nonNilMap(b.Machine),
		Body:    b.Body,
		Fence:   fenceName(b.Fence.State),
	}
}

func fenceName(s models.FenceState) string {
	switch s {
	case models.FenceClosed:
		return "closed"
	case models.FenceUnclosed:
		return "unclosed"
	case models.FenceMalformed:
		return "malformed"
	}
	return "absent"
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
