package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/starford/recordbook/internal/docservice"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/models"
)

const maxBody = 10 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *docservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service) *Handler {
	return &Handler{svc: svc}
}

// docPath extracts the document path from the URL (everything after
// /documents/). Encoded slashes (clients%2Facme.md) are accepted.
func docPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ListDocuments handles GET /documents.
//
//	@Summary		List documents with optional pagination and tag filter
//	@Tags			documents
//	@Produce		json
//	@Param			limit	query		int		false	"Page size"
//	@Param			offset	query		int		false	"Page offset"
//	@Param			tag		query		string	false	"Filter by tag"
//	@Success		200		{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := h.svc.ListDocuments(r.Context(), limit, offset, q.Get("tag"))
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: items, Total: total})
}

// GetDocument handles GET /documents/*. With ?anchor= it returns one block.
//
//	@Summary		Get a document, or one of its blocks
//	@Tags			documents
//	@Produce		json
//	@Param			path	path		string	true	"Document path"
//	@Param			anchor	query		string	false	"Block anchor"
//	@Success		200		{object}	docservice.DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{path} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	path := docPath(r)
	if path == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	if anchor := r.URL.Query().Get("anchor"); anchor != "" {
		block, err := h.svc.GetBlock(r.Context(), path, anchor)
		if err != nil {
			writeError(w, "get block", err, slog.String("path", path), slog.String("anchor", anchor))
			return
		}
		writeJSON(w, http.StatusOK, block)
		return
	}
	doc, err := h.svc.GetDocument(r.Context(), path)
	if err != nil {
		writeError(w, "get document", err, slog.String("path", path))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// CreateDocument handles POST /documents.
//
//	@Summary		Create a new document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateDocumentRequest	true	"Document to create"
//	@Success		201		{object}	docservice.DocumentDetail
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path and content are required"))
		return
	}
	doc, err := h.svc.CreateDocument(r.Context(), req.Path, []byte(req.Content))
	if err != nil {
		writeError(w, "create document", err, slog.String("path", req.Path))
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// FindBlocks handles GET /blocks.
//
//	@Summary		Find indexed blocks by anchor, state or path prefix
//	@Tags			blocks
//	@Produce		json
//	@Param			anchor	query		string	false	"Exact anchor"
//	@Param			status	query		string	false	"Machine status"
//	@Param			prefix	query		string	false	"Path prefix"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	BlocksResponse
//	@Security		BearerAuth
//	@Router			/blocks [get]
func (h *Handler) FindBlocks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	rows, err := h.svc.FindBlocks(r.Context(), index.BlockQuery{
		Anchor: q.Get("anchor"),
		Status: q.Get("status"),
		Prefix: q.Get("prefix"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, "find blocks", err)
		return
	}
	writeJSON(w, http.StatusOK, BlocksResponse{Blocks: blockHits(rows)})
}

// Search handles GET /search.
//
//	@Summary		Full-text search across documents
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err, slog.String("query", q))
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: searchHits(results)})
}

// ExecuteProposal handles POST /proposals.
//
// A rejected or failed proposal still answers with the execution result so
// the caller sees every validation issue.
//
//	@Summary		Validate and apply a proposal
//	@Tags			proposals
//	@Accept			json
//	@Produce		json
//	@Param			body		body		models.ProposalSpec	true	"Proposal"
//	@Param			If-Match	header		string				false	"SHA-256 checksum the document must still have"
//	@Success		200		{object}	ExecutionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	ExecutionResponse
//	@Failure		409		{object}	ExecutionResponse
//	@Failure		422		{object}	ExecutionResponse
//	@Security		BearerAuth
//	@Router			/proposals [post]
func (h *Handler) ExecuteProposal(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeProposal(w, r)
	if !ok {
		return
	}
	// The header takes precedence over if_match in the body.
	if ifMatch := strings.Trim(r.Header.Get("If-Match"), `"`); ifMatch != "" {
		p.IfMatch = ifMatch
	}
	res, err := h.svc.Execute(r.Context(), p)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			slog.Error("execute proposal failed",
				slog.String("proposal", res.ProposalID),
				slog.String("target", p.TargetFile),
				slog.Bool("rejected", executor.IsRejected(err)),
				slog.String("error", err.Error()))
		}
		writeJSON(w, status, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ValidateProposal handles POST /proposals/validate.
//
//	@Summary		Check a proposal without applying it
//	@Tags			proposals
//	@Accept			json
//	@Produce		json
//	@Param			body	body		models.ProposalSpec	true	"Proposal"
//	@Success		200		{object}	ValidationResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/proposals/validate [post]
func (h *Handler) ValidateProposal(w http.ResponseWriter, r *http.Request) {
	p, ok := decodeProposal(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Validate(r.Context(), p)
	if err != nil {
		writeError(w, "validate proposal", err, slog.String("target", p.TargetFile))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeProposal(w http.ResponseWriter, r *http.Request) (models.Proposal, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var spec models.ProposalSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return models.Proposal{}, false
	}
	p, err := spec.Proposal()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return models.Proposal{}, false
	}
	return p, true
}

// ListMachines handles GET /machines.
//
//	@Summary		List state machines
//	@Tags			machines
//	@Produce		json
//	@Success		200	{object}	MachinesResponse
//	@Security		BearerAuth
//	@Router			/machines [get]
func (h *Handler) ListMachines(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.Machines(r.Context())
	if err != nil {
		writeError(w, "list machines", err)
		return
	}
	writeJSON(w, http.StatusOK, MachinesResponse{Machines: names})
}

// GetMachine handles GET /machines/{name}.
//
//	@Summary		Get a state machine definition
//	@Tags			machines
//	@Produce		json
//	@Param			name	path		string	true	"Machine name"
//	@Success		200		{object}	MachineResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/machines/{name} [get]
func (h *Handler) GetMachine(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	def, err := h.svc.Machine(r.Context(), name)
	if err != nil {
		writeError(w, "get machine", err, slog.String("machine", name))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// GetState handles GET /state.
//
//	@Summary		Current state of a block and its legal events
//	@Tags			machines
//	@Produce		json
//	@Param			path	query		string	true	"Document path"
//	@Param			anchor	query		string	true	"Block anchor"
//	@Param			machine	query		string	true	"Machine name"
//	@Param			field	query		string	false	"State field"
//	@Success		200		{object}	docservice.StateView
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path, anchor, machine := q.Get("path"), q.Get("anchor"), q.Get("machine")
	if path == "" || anchor == "" || machine == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path, anchor and machine are required"))
		return
	}
	field := q.Get("field")
	if field == "" {
		field = docservice.DefaultStateField
	}
	view, err := h.svc.State(r.Context(), path, anchor, machine, field)
	if err != nil {
		writeError(w, "get state", err, slog.String("path", path), slog.String("anchor", anchor))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Transition handles POST /transitions.
//
//	@Summary		Fire a state machine event on a block
//	@Tags			machines
//	@Accept			json
//	@Produce		json
//	@Param			body	body		docservice.TransitionRequest	true	"Transition"
//	@Success		200		{object}	docservice.TransitionResult
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/transitions [post]
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	var req docservice.TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Path == "" || req.Anchor == "" || req.Machine == "" || req.Event == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path, anchor, machine and event are required"))
		return
	}
	res, err := h.svc.Transition(r.Context(), req)
	if err != nil {
		writeError(w, "transition", err, slog.String("path", req.Path), slog.String("anchor", req.Anchor))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
