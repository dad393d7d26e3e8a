package api

import (
	"github.com/starford/recordbook/internal/docservice"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/validate"
)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	Path    string `json:"path" example:"clients/acme.md" validate:"required"`
	Content string `json:"content" example:"# Acme {#acme}" validate:"required"`
}

// DocumentListResponse wraps paginated document listings.
type DocumentListResponse struct {
	Documents []docservice.DocumentListItem `json:"documents" validate:"required"`
	Total     int                           `json:"total" example:"42" validate:"required"`
}

// SearchHit is a single search hit in the API response.
type SearchHit struct {
	Path    string `json:"path" example:"clients/acme.md" validate:"required"`
	Title   string `json:"title" example:"Acme" validate:"required"`
	Snippet string `json:"snippet" example:"...matched text..." validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []SearchHit `json:"results" validate:"required"`
}

// BlockHit is one indexed block returned by GET /blocks.
type BlockHit struct {
	Path     string         `json:"path"`
	Anchor   string         `json:"anchor"`
	Position int            `json:"position"`
	Level    int            `json:"level"`
	Heading  string         `json:"heading"`
	Status   string         `json:"status,omitempty"`
	Machine  map[string]any `json:"machine,omitempty"`
}

// BlocksResponse wraps block query results.
type BlocksResponse struct {
	Blocks []BlockHit `json:"blocks" validate:"required"`
}

// MachinesResponse lists the available state machines.
type MachinesResponse struct {
	Machines []string `json:"machines" validate:"required"`
}

// MachineResponse describes one state machine.
type MachineResponse = fsm.Definition

// ValidationResponse is returned by POST /proposals/validate.
type ValidationResponse = validate.Result

// ExecutionResponse is returned by POST /proposals.
type ExecutionResponse = executor.Result

func searchHits(results []index.SearchResult) []SearchHit {
	out := make([]SearchHit, 0, len(results))
	for _, r := range results {
		out = append(out, SearchHit{Path: r.Path, Title: r.Title, Snippet: r.Snippet})
	}
	return out
}

func blockHits(rows []index.BlockRow) []BlockHit {
	out := make([]BlockHit, 0, len(rows))
	for _, b := range rows {
		out = append(out, BlockHit{
			Path:     b.Path,
			Anchor:   b.Anchor,
			Position: b.Position,
			Level:    b.Level,
			Heading:  b.Heading,
			Status:   b.Status,
			Machine:  b.Machine,
		})
	}
	return out
}
