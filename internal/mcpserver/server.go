// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes recordbook tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/docservice"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/storage"
)

// ContractURI identifies the document format resource.
const ContractURI = "recordbook://document-format"

// Server wraps the MCP server with recordbook tools.
type Server struct {
	mcp  *server.MCPServer
	svc  *docservice.Service
	repo storage.Provider
}

// New creates a new MCP server with all tools registered.
func New(svc *docservice.Service, repo storage.Provider, version string) *Server {
	s := &Server{svc: svc, repo: repo}

	s.mcp = server.NewMCPServer(
		"recordbook",
		version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_documents",
		mcp.WithDescription("Full-text search through document content and titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchDocuments)

	s.mcp.AddTool(mcp.NewTool("read_document",
		mcp.WithDescription("Read the raw Markdown of a document."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path, with or without .md (e.g. clients/acme)")),
	), s.readDocument)

	s.mcp.AddTool(mcp.NewTool("get_block",
		mcp.WithDescription("Read one anchored block: heading, parsed machine mapping and body."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("anchor", mcp.Required(), mcp.Description("Block anchor, without {#}")),
	), s.getBlock)

	s.mcp.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List all documents or the documents in one folder."),
		mcp.WithString("folder", mcp.Description("Optional folder to list (empty for all)")),
	), s.listDocuments)

	s.mcp.AddTool(mcp.NewTool("find_blocks",
		mcp.WithDescription("Find indexed blocks by anchor, machine status or path prefix."),
		mcp.WithString("anchor", mcp.Description("Exact anchor")),
		mcp.WithString("status", mcp.Description("Value of the block's status field")),
		mcp.WithString("prefix", mcp.Description("Path prefix, e.g. clients/")),
	), s.findBlocks)

	s.mcp.AddTool(mcp.NewTool("get_backlinks",
		mcp.WithDescription("Find all documents that link to the specified document."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path of the document to find backlinks for")),
	), s.getBacklinks)

	s.mcp.AddTool(mcp.NewTool("create_document",
		mcp.WithDescription("Create a new document. Content MUST follow the document format; "+
			"read it first via get_document_contract or the "+ContractURI+" resource."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Relative path for the new document")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown content")),
	), s.createDocument)

	s.mcp.AddTool(mcp.NewTool("validate_proposal",
		mcp.WithDescription("Check a proposal against its target document without writing anything. "+
			"Every failing operation is reported."),
		mcp.WithString("proposal", mcp.Required(), mcp.Description("Proposal as JSON or YAML: {target_file, message?, ops: [...]}")),
	), s.validateProposal)

	s.mcp.AddTool(mcp.NewTool("execute_proposal",
		mcp.WithDescription("Validate and apply a proposal, then commit it. All operations apply or none do."),
		mcp.WithString("proposal", mcp.Required(), mcp.Description("Proposal as JSON or YAML: {target_file, message?, ops: [...]}")),
	), s.executeProposal)

	s.mcp.AddTool(mcp.NewTool("list_machines",
		mcp.WithDescription("List the available state machines."),
	), s.listMachines)

	s.mcp.AddTool(mcp.NewTool("get_state",
		mcp.WithDescription("Current state of a block in a state machine and the events legal from it."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("anchor", mcp.Required(), mcp.Description("Block anchor")),
		mcp.WithString("machine", mcp.Required(), mcp.Description("Machine name")),
		mcp.WithString("field", mcp.Description("State field (default status)")),
	), s.getState)

	s.mcp.AddTool(mcp.NewTool("transition",
		mcp.WithDescription("Fire a state machine event on a block. Illegal events are refused and nothing is written."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Document path")),
		mcp.WithString("anchor", mcp.Required(), mcp.Description("Block anchor")),
		mcp.WithString("machine", mcp.Required(), mcp.Description("Machine name")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event to fire")),
		mcp.WithString("field", mcp.Description("State field (default status)")),
	), s.transition)

	s.mcp.AddTool(mcp.NewTool("get_document_contract",
		mcp.WithDescription("Returns the document format contract. "+
			"Call this before creating documents or writing proposals."),
	), s.getDocumentContract)

	s.mcp.AddResource(
		mcp.NewResource(ContractURI, "Document Format Contract",
			mcp.WithResourceDescription("Markdown document format: anchored blocks and machine mappings."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) searchDocuments(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(results)
}

func (s *Server) readDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.GetDocument(ctx, path)
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(doc.Content), nil
}

func (s *Server) getBlock(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	anchor, err := req.RequireString("anchor")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	block, err := s.svc.GetBlock(ctx, path, anchor)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(block)
}

func (s *Server) listDocuments(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	metas, err := s.repo.List(optString(req, "folder"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	paths := make([]string, 0, len(metas))
	for _, m := range metas {
		paths = append(paths, m.Path)
	}
	return mcp.NewToolResultText(strings.Join(paths, "\n")), nil
}

func (s *Server) findBlocks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows, err := s.svc.FindBlocks(ctx, index.BlockQuery{
		Anchor: optString(req, "anchor"),
		Status: optString(req, "status"),
		Prefix: optString(req, "prefix"),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rows)
}

func (s *Server) getBacklinks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	bl, err := s.svc.Backlinks(ctx, path)
	if err != nil {
		return toolError(err), nil
	}
	if len(bl) == 0 {
		return mcp.NewToolResultText("no backlinks found"), nil
	}
	return mcp.NewToolResultText(strings.Join(bl, "\n")), nil
}

func (s *Server) createDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	doc, err := s.svc.CreateDocument(ctx, path, []byte(content))
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", doc.Path)), nil
}

func (s *Server) validateProposal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, bad := proposalArg(req)
	if bad != nil {
		return bad, nil
	}
	res, err := s.svc.Validate(ctx, p)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(res)
}

func (s *Server) executeProposal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, bad := proposalArg(req)
	if bad != nil {
		return bad, nil
	}
	res, err := s.svc.Execute(ctx, p)
	out, mErr := json.MarshalIndent(res, "", "  ")
	if mErr != nil {
		return mcp.NewToolResultError(mErr.Error()), nil
	}
	if err != nil {
		return mcp.NewToolResultError(string(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) listMachines(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names, err := s.svc.Machines(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(strings.Join(names, "\n")), nil
}

func (s *Server) getState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := requireAll(req, "path", "anchor", "machine")
	if bad != nil {
		return bad, nil
	}
	field := optString(req, "field")
	if field == "" {
		field = docservice.DefaultStateField
	}
	view, err := s.svc.State(ctx, args[0], args[1], args[2], field)
	if err != nil {
		return toolError(err), nil
	}
	return jsonResult(view)
}

func (s *Server) transition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, bad := requireAll(req, "path", "anchor", "machine", "event")
	if bad != nil {
		return bad, nil
	}
	res, err := s.svc.Transition(ctx, docservice.TransitionRequest{
		Path:    args[0],
		Anchor:  args[1],
		Machine: args[2],
		Event:   args[3],
		Field:   optString(req, "field"),
	})
	if err != nil {
		return toolError(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s: %s -> %s (commit %s)", args[1], res.From, res.To, res.Result.CommitRef)), nil
}

func (s *Server) getDocumentContract(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(DocumentFormatContract), nil
}

func (s *Server) readContractResource(context.Context, mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      ContractURI,
			MIMEType: "text/markdown",
			Text:     DocumentFormatContract,
		},
	}, nil
}

// proposalArg decodes the "proposal" argument. YAML is a superset of JSON,
// so one decoder serves both.
func proposalArg(req mcp.CallToolRequest) (models.Proposal, *mcp.CallToolResult) {
	raw, err := req.RequireString("proposal")
	if err != nil {
		return models.Proposal{}, mcp.NewToolResultError(err.Error())
	}
	var spec models.ProposalSpec
	if err := yaml.Unmarshal([]byte(raw), &spec); err != nil {
		return models.Proposal{}, mcp.NewToolResultError(fmt.Sprintf("decode proposal: %v", err))
	}
	p, err := spec.Proposal()
	if err != nil {
		return models.Proposal{}, mcp.NewToolResultError(err.Error())
	}
	return p, nil
}

func requireAll(req mcp.CallToolRequest, keys ...string) ([]string, *mcp.CallToolResult) {
	out := make([]string, len(keys))
	for i, k := range keys {
		v, err := req.RequireString(k)
		if err != nil {
			return nil, mcp.NewToolResultError(err.Error())
		}
		out[i] = v
	}
	return out, nil
}

func optString(req mcp.CallToolRequest, key string) string {
	v, err := req.RequireString(key)
	if err != nil {
		return ""
	}
	return v
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError prefixes well-known failures so the model can tell a missing
// document from a refused change.
func toolError(err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return mcp.NewToolResultError("not found: " + err.Error())
	case errors.Is(err, apperr.ErrAlreadyExists):
		return mcp.NewToolResultError("already exists: " + err.Error())
	case errors.Is(err, apperr.ErrIllegalTransition):
		return mcp.NewToolResultError("refused: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}
