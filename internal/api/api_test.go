package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/recordbook/internal/testutil"
)

const acme = "# Acme {#acme}\n```yaml\nstatus: active\nprice: 100\n```\n"

// testEnv sets up a temp repository, SQLite index, service and router.
// A non-empty authToken turns token auth on.
func testEnv(t *testing.T, authToken string) (*testutil.Env, http.Handler) {
	t.Helper()
	return testEnvWithSSE(t, authToken != "", authToken, nil)
}

func testEnvWithSSE(t *testing.T, authEnabled bool, token string, sseHandler http.Handler) (*testutil.Env, http.Handler) {
	t.Helper()
	env := testutil.NewEnv(t, map[string]string{
		"projects/sprint.md": testutil.Sprint,
		"clients/acme.md":    acme,
	})
	return env, NewRouter(env.Service, authEnabled, token, sseHandler)
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r *bytes.Reader
	switch b := body.(type) {
	case nil:
		r = bytes.NewReader(nil)
	case string:
		r = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestCreateAndGetDocument(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", map[string]string{
		"path":    "notes/hello.md",
		"content": "# Hello {#hello}\nSee [[clients/acme]].\n",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}

	w = do(t, router, http.MethodGet, "/documents/notes/hello.md", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	doc := decode[struct {
		Path   string `json:"path"`
		Blocks []struct {
			Anchor string `json:"anchor"`
		} `json:"blocks"`
	}](t, w)
	if doc.Path != "notes/hello.md" {
		t.Errorf("path = %q", doc.Path)
	}
	if len(doc.Blocks) != 1 || doc.Blocks[0].Anchor != "hello" {
		t.Errorf("blocks = %+v", doc.Blocks)
	}

	w = do(t, router, http.MethodGet, "/documents/clients%2Facme.md", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get encoded status = %d", w.Code)
	}
	target := decode[struct {
		Backlinks []string `json:"backlinks"`
	}](t, w)
	if strings.Join(target.Backlinks, ",") != "notes/hello.md,projects/sprint.md" {
		t.Errorf("backlinks = %v", target.Backlinks)
	}
}

func TestCreateDocument_Duplicate(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": "clients/acme.md", "content": "x"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate create = %d, want 409", w.Code)
	}
}

func TestCreateDocument_BadRequest(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/documents", "{"); w.Code != http.StatusBadRequest {
		t.Errorf("bad JSON = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodPost, "/documents", map[string]string{"path": "a.md"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing content = %d, want 400", w.Code)
	}
}

func TestGetDocument_Block(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/documents/projects/sprint.md?anchor=task-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get block = %d, body = %s", w.Code, w.Body.String())
	}
	block := decode[struct {
		Anchor  string         `json:"anchor"`
		Machine map[string]any `json:"machine"`
		Fence   string         `json:"fence"`
	}](t, w)
	if block.Anchor != "task-1" || block.Machine["status"] != "pending" || block.Fence != "closed" {
		t.Errorf("block = %+v", block)
	}

	if w := do(t, router, http.MethodGet, "/documents/projects/sprint.md?anchor=nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing block = %d, want 404", w.Code)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/documents/nope.md", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing document = %d, want 404", w.Code)
	}
}

func TestListDocuments(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/documents?tag=work", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	resp := decode[DocumentListResponse](t, w)
	if resp.Total != 1 || len(resp.Documents) != 1 || resp.Documents[0].Path != "projects/sprint.md" {
		t.Errorf("list = %+v", resp)
	}
}

func TestFindBlocks(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/blocks?status=pending", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("blocks = %d", w.Code)
	}
	resp := decode[BlocksResponse](t, w)
	if len(resp.Blocks) != 1 || resp.Blocks[0].Anchor != "task-1" || resp.Blocks[0].Path != "projects/sprint.md" {
		t.Errorf("blocks = %+v", resp.Blocks)
	}

	resp = decode[BlocksResponse](t, do(t, router, http.MethodGet, "/blocks?prefix=clients/", nil))
	if len(resp.Blocks) != 1 || resp.Blocks[0].Anchor != "acme" {
		t.Errorf("prefix blocks = %+v", resp.Blocks)
	}
}

func TestSearch(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/search?q=docs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search = %d", w.Code)
	}
	resp := decode[SearchResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].Path != "projects/sprint.md" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchMissingQuery(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/search", nil); w.Code != http.StatusBadRequest {
		t.Errorf("search no query = %d, want 400", w.Code)
	}
}

func TestExecuteProposal(t *testing.T) {
	env, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/proposals", map[string]any{
		"id":          "p-42",
		"target_file": "clients/acme",
		"ops": []map[string]any{
			{"kind": "update_yaml", "anchor": "acme", "path": "price", "value": 120},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("execute = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ExecutionResponse](t, w)
	if !res.Success || !res.Changed || res.ProposalID != "p-42" || res.Path != "clients/acme.md" {
		t.Errorf("result = %+v", res)
	}
	if got := env.Read(t, "clients/acme.md"); !strings.Contains(got, "price: 120\n") {
		t.Errorf("file not updated:\n%s", got)
	}

	blocks := decode[BlocksResponse](t, do(t, router, http.MethodGet, "/blocks?anchor=acme", nil))
	if len(blocks.Blocks) != 1 || blocks.Blocks[0].Machine["price"] != float64(120) {
		t.Errorf("index not refreshed: %+v", blocks.Blocks)
	}
}

func TestExecuteProposal_IfMatch(t *testing.T) {
	env, router := testEnv(t, "")
	doc := decode[map[string]any](t, do(t, router, http.MethodGet, "/documents/clients/acme.md", nil))
	sum, _ := doc["checksum"].(string)
	if sum == "" {
		t.Fatalf("document has no checksum: %v", doc)
	}

	send := func(ifMatch string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]any{
			"target_file": "clients/acme",
			"ops":         []map[string]any{{"kind": "update_body", "anchor": "acme", "body": "Renewed."}},
		})
		req := httptest.NewRequest(http.MethodPost, "/proposals", bytes.NewReader(body))
		req.Header.Set("If-Match", ifMatch)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := send(`"0000"`); w.Code != http.StatusConflict {
		t.Fatalf("stale If-Match = %d, want 409; body = %s", w.Code, w.Body.String())
	}
	if got := env.Read(t, "clients/acme.md"); got != acme {
		t.Errorf("stale proposal changed the file:\n%s", got)
	}

	if w := send(`"` + sum + `"`); w.Code != http.StatusOK {
		t.Fatalf("current If-Match = %d, body = %s", w.Code, w.Body.String())
	}
	if got := env.Read(t, "clients/acme.md"); !strings.Contains(got, "Renewed.") {
		t.Errorf("file not updated:\n%s", got)
	}
}

func TestExecuteProposal_Invalid(t *testing.T) {
	env, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/proposals", map[string]any{
		"target_file": "clients/acme.md",
		"ops": []map[string]any{
			{"kind": "update_yaml", "anchor": "acme", "path": "status", "value": "paused"},
			{"kind": "update_yaml", "anchor": "ghost", "path": "status", "value": "x"},
			{"kind": "update_body", "anchor": "missing", "body": "x"},
		},
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid = %d, want 422; body = %s", w.Code, w.Body.String())
	}
	res := decode[ExecutionResponse](t, w)
	if res.Success || len(res.Issues) != 2 || res.Issues[0].Index != 1 || res.Issues[1].Index != 2 {
		t.Errorf("result = %+v", res)
	}
	if got := env.Read(t, "clients/acme.md"); got != acme {
		t.Errorf("file changed:\n%s", got)
	}
}

func TestExecuteProposal_Errors(t *testing.T) {
	_, router := testEnv(t, "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", "{", http.StatusBadRequest},
		{"unknown kind", map[string]any{"target_file": "clients/acme.md", "ops": []map[string]any{{"kind": "delete"}}}, http.StatusBadRequest},
		{"missing target", map[string]any{"target_file": "clients/ghost.md", "ops": []map[string]any{{"kind": "update_body", "anchor": "a", "body": "x"}}}, http.StatusNotFound},
		{"escaping target", map[string]any{"target_file": "../outside.md", "ops": []map[string]any{{"kind": "update_body", "anchor": "a", "body": "x"}}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, router, http.MethodPost, "/proposals", tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestValidateProposal(t *testing.T) {
	env, router := testEnv(t, "")

	w := do(t, router, http.MethodPost, "/proposals/validate", map[string]any{
		"target_file": "clients/acme.md",
		"ops": []map[string]any{
			{"kind": "insert_block", "after": "acme", "block": map[string]any{"anchor": "acme", "heading": "Again"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("validate = %d, body = %s", w.Code, w.Body.String())
	}
	res := decode[ValidationResponse](t, w)
	if res.Valid || len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Message, "already exists") {
		t.Errorf("result = %+v", res)
	}
	if got := env.Read(t, "clients/acme.md"); got != acme {
		t.Errorf("validate wrote the file:\n%s", got)
	}
}

func TestMachines(t *testing.T) {
	_, router := testEnv(t, "")

	resp := decode[MachinesResponse](t, do(t, router, http.MethodGet, "/machines", nil))
	if strings.Join(resp.Machines, ",") != "task" {
		t.Errorf("machines = %v", resp.Machines)
	}

	w := do(t, router, http.MethodGet, "/machines/task", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("machine = %d", w.Code)
	}
	def := decode[MachineResponse](t, w)
	if def.Initial != "pending" || len(def.States) != 3 {
		t.Errorf("definition = %+v", def)
	}

	if w := do(t, router, http.MethodGet, "/machines/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown machine = %d, want 404", w.Code)
	}
}

func TestStateAndTransition(t *testing.T) {
	env, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/state?path=projects/sprint.md&anchor=task-1&machine=task", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("state = %d, body = %s", w.Code, w.Body.String())
	}
	view := decode[struct {
		State   string   `json:"state"`
		Allowed []string `json:"allowed"`
	}](t, w)
	if view.State != "pending" || strings.Join(view.Allowed, ",") != "start" {
		t.Errorf("state = %+v", view)
	}

	w = do(t, router, http.MethodPost, "/transitions", map[string]string{
		"path": "projects/sprint.md", "anchor": "task-1", "machine": "task", "event": "start",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("transition = %d, body = %s", w.Code, w.Body.String())
	}
	if got := env.Read(t, "projects/sprint.md"); !strings.Contains(got, "status: in_progress\n") {
		t.Errorf("state not written:\n%s", got)
	}

	w = do(t, router, http.MethodPost, "/transitions", map[string]string{
		"path": "projects/sprint.md", "anchor": "task-1", "machine": "task", "event": "start",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("illegal transition = %d, want 422", w.Code)
	}
}

func TestTransition_BadRequest(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodPost, "/transitions", map[string]string{"path": "projects/sprint.md"}); w.Code != http.StatusBadRequest {
		t.Errorf("incomplete = %d, want 400", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/state?path=projects/sprint.md", nil); w.Code != http.StatusBadRequest {
		t.Errorf("incomplete state = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	body, _ := json.Marshal(map[string]string{"path": "auth.md", "content": "test"})
	req := httptest.NewRequest(http.MethodPost, "/documents", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Errorf("authed create = %d, want 201", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/documents", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	_, router := testEnv(t, "")

	if w := do(t, router, http.MethodGet, "/documents", nil); w.Code != http.StatusOK {
		t.Errorf("no auth = %d, want 200", w.Code)
	}
}

// blockingSSE writes headers and blocks until the request context is done.
var blockingSSE = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
})

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "secret", blockingSSE)

	if w := do(t, router, http.MethodGet, "/events", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthDisabled(t *testing.T) {
	_, router := testEnvWithSSE(t, false, "", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE should not require auth when disabled")
	}
}

func TestSSEEvents_ValidToken(t *testing.T) {
	_, router := testEnvWithSSE(t, true, "tok", blockingSSE)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code == http.StatusUnauthorized {
		t.Error("SSE with valid token should not 401")
	}
}

func TestStatusOf(t *testing.T) {
	if got := statusOf(context.Canceled); got != http.StatusInternalServerError {
		t.Errorf("plain error = %d", got)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	if w := do(t, router, http.MethodGet, "/documents?access_token=secret123", nil); w.Code != http.StatusOK {
		t.Errorf("query token = %d, want 200", w.Code)
	}
	if w := do(t, router, http.MethodGet, "/documents?access_token=nope", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong query token = %d, want 401", w.Code)
	}

	// A malformed header is not rescued by the query parameter.
	req := httptest.NewRequest(http.MethodGet, "/documents?access_token=secret123", nil)
	req.Header.Set("Authorization", "Basic secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("basic auth = %d, want 401", w.Code)
	}
}
