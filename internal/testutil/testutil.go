// Package testutil provides shared test helpers for setting up repositories,
// indexes and a wired document service.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/recordbook/internal/codec"
	"github.com/starford/recordbook/internal/docservice"
	"github.com/starford/recordbook/internal/executor"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/index"
	"github.com/starford/recordbook/internal/ops"
	"github.com/starford/recordbook/internal/storage"
	"github.com/starford/recordbook/internal/vcs"
)

// TaskMachine is a small workflow used across package tests.
const TaskMachine = `name: task
initial: pending
states:
  pending:
    transitions:
      - event: start
        target: in_progress
  in_progress:
    transitions:
      - event: finish
        target: done
  done:
    transitions: []
`

// Sprint is a document with one stateful block (task-1), one block without
// a machine mapping (task-2) and a link to clients/acme.md.
const Sprint = "---\ntitle: Sprint\ntags: [work]\n---\n" +
	"# Sprint {#sprint}\n\nSee [[clients/acme]].\n" +
	"\n## Write docs {#task-1}\n```yaml\nstatus: pending\n```\n" +
	"\n## Fresh task {#task-2}\n\nNo state yet.\n"

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	db, err := index.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRepo creates a temporary document repository holding files
// (slash-separated relative path to content).
func TestRepo(t *testing.T, files map[string]string) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		WriteFile(t, dir, rel, content)
	}
	repo, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, repo
}

// WriteFile writes content to dir/rel, creating parent directories.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Env is a fully wired document service over temporary directories.
type Env struct {
	RepoDir string
	Repo    *storage.FS
	DB      *index.DB
	Service *docservice.Service
}

// NewEnv builds a service over files with the task machine installed. The
// repository is indexed before returning. Commits go nowhere.
func NewEnv(t *testing.T, files map[string]string) *Env {
	t.Helper()
	dir, repo := TestRepo(t, files)
	db := TestDB(t)

	machines := t.TempDir()
	WriteFile(t, machines, "task.yaml", TaskMachine)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := executor.New(repo, storage.Disk{}, vcs.Nop{}, ops.New(codec.Default()), executor.WithLogger(logger))
	svc := docservice.NewService(repo, db, exec, vcs.Nop{}, fsm.NewCatalog(machines), nil, logger)

	if err := index.Sync(db, repo, logger); err != nil {
		t.Fatal(err)
	}
	return &Env{RepoDir: dir, Repo: repo, DB: db, Service: svc}
}

// Read returns the content of a repository file.
func (e *Env) Read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.RepoDir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
