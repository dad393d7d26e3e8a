package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func tempRepo(t *testing.T) *FS {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFS(dir)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestWriteAndRead(t *testing.T) {
	s := tempRepo(t)
	content := []byte("# Hello\nWorld\n")
	if err := s.Write("note.md", content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("note.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestWriteCreatesSubdirs(t *testing.T) {
	s := tempRepo(t)
	if err := s.Write("a/b/c.md", []byte("deep")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("a/b/c.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := tempRepo(t)
	_ = s.Write("del.md", []byte("bye"))
	if err := s.Delete("del.md"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Read("del.md"); err == nil {
		t.Error("expected error reading deleted file")
	}
}

func TestList(t *testing.T) {
	s := tempRepo(t)
	_ = s.Write("a.md", []byte("a"))
	_ = s.Write("sub/b.md", []byte("b"))
	_ = s.Write("readme.txt", []byte("not md"))
	_ = s.Write(".git/HEAD.md", []byte("hidden"))

	items, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("len = %d, want 2", len(items))
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRepo(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.md",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Read(p); err == nil {
			t.Errorf("expected error for path %q", p)
		}
		if err := s.Write(p, []byte("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestAtomicWriteLeavesNoTemp(t *testing.T) {
	s := tempRepo(t)
	original := []byte("original content")
	_ = s.Write("atomic.md", original)

	// Overwrite with new content.
	updated := []byte("updated content")
	if err := s.Write("atomic.md", updated); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _ := s.Read("atomic.md")
	if string(got) != string(updated) {
		t.Errorf("expected updated content, got %q", got)
	}

	entries, _ := os.ReadDir(s.root)
	if len(entries) != 1 {
		t.Errorf("leftover files beside the document: %v", entries)
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS("/tmp/recordbook-does-not-exist-" + t.Name())
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "recordbook-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}

func TestList_RelativeSlashPaths(t *testing.T) {
	s := tempRepo(t)
	_ = s.Write("clients/acme.md", []byte("# Acme {#acme}\n"))

	items, err := s.List("clients")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || items[0].Path != "clients/acme.md" {
		t.Fatalf("items = %+v", items)
	}
	if len(items[0].Checksum) != 64 {
		t.Errorf("checksum = %q", items[0].Checksum)
	}
}

func TestResolve(t *testing.T) {
	s := tempRepo(t)
	_ = s.Write("clients/acme.md", []byte("x"))
	if err := os.MkdirAll(filepath.Join(s.root, "folder.md"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		logical string
		rel     string
		exists  bool
	}{
		{"clients/acme", "clients/acme.md", true},
		{"clients/acme.md", "clients/acme.md", true},
		{"clients/./acme", "clients/acme.md", true},
		{"clients/beta", "clients/beta.md", false},
		{"folder", "folder.md", false},
	}
	for _, tt := range tests {
		res, err := s.Resolve(tt.logical)
		if err != nil {
			t.Errorf("Resolve(%q): %v", tt.logical, err)
			continue
		}
		if res.Rel != tt.rel || res.Exists != tt.exists {
			t.Errorf("Resolve(%q) = %+v, want rel %q exists %v", tt.logical, res, tt.rel, tt.exists)
		}
		if res.Path != filepath.Join(s.root, filepath.FromSlash(tt.rel)) {
			t.Errorf("Resolve(%q).Path = %q", tt.logical, res.Path)
		}
	}
}

func TestResolve_Rejects(t *testing.T) {
	s := tempRepo(t)
	for _, p := range []string{"", "  ", "../escape", "/etc/passwd", "a/../../b"} {
		if _, err := s.Resolve(p); err == nil {
			t.Errorf("Resolve(%q) should fail", p)
		}
	}
}
