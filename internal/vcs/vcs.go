// Package vcs records document changes in version control. The git backend
// shells out to the git CLI, always targeting the repository with -C.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// VCS stages and commits files.
type VCS interface {
	// Add stages path.
	Add(ctx context.Context, path string) error
	// Commit records the staged change to paths and returns the commit ref.
	Commit(ctx context.Context, message string, paths ...string) (string, error)
}

// Author identifies who commits are recorded as.
type Author struct {
	Name  string
	Email string
}

// Git runs the git CLI against one working tree.
type Git struct {
	dir    string
	author Author
	logger *slog.Logger
	head   func(context.Context) (string, error)
}

// GitOption configures a Git.
type GitOption func(*Git)

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) GitOption {
	return func(g *Git) { g.logger = l }
}

func NewGit(dir string, author Author, opts ...GitOption) *Git {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	g := &Git{dir: dir, author: author, logger: slog.Default()}
	g.head = g.revParseHead
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dir returns the working tree directory.
func (g *Git) Dir() string {
	return g.dir
}

// Run executes git in the working tree and returns stdout. Stderr is folded
// into the error on failure.
func (g *Git) Run(ctx context.Context, args ...string) (string, error) {
	full := []string{"-C", g.dir}
	if g.author.Name != "" {
		full = append(full, "-c", "user.name="+g.author.Name)
	}
	if g.author.Email != "" {
		full = append(full, "-c", "user.email="+g.author.Email)
	}
	full = append(full, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), g.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Init creates the repository if the directory is not already a work tree.
func (g *Git) Init(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err == nil {
		return nil
	}
	_, err := g.Run(ctx, "init", "--quiet")
	return err
}

func (g *Git) Add(ctx context.Context, path string) error {
	rel, err := g.rel(path)
	if err != nil {
		return err
	}
	_, err = g.Run(ctx, "add", "--", rel)
	return err
}

func (g *Git) Commit(ctx context.Context, message string, paths ...string) (string, error) {
	args := []string{"commit", "--quiet", "--no-verify", "-m", message}
	if len(paths) > 0 {
		args = append(args, "--")
		for _, p := range paths {
			rel, err := g.rel(p)
			if err != nil {
				return "", err
			}
			args = append(args, rel)
		}
	}
	if _, err := g.Run(ctx, args...); err != nil {
		return "", err
	}
	// The commit is recorded. An unreadable HEAD is not a commit failure.
	ref, err := g.head(ctx)
	if err != nil {
		g.logger.Warn("vcs: committed but could not read HEAD", slog.String("dir", g.dir), slog.String("error", err.Error()))
		return "", nil
	}
	return ref, nil
}

func (g *Git) revParseHead(ctx context.Context) (string, error) {
	out, err := g.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Log returns up to n subject lines for path, newest first.
func (g *Git) Log(ctx context.Context, path string, n int) ([]string, error) {
	rel, err := g.rel(path)
	if err != nil {
		return nil, err
	}
	out, err := g.Run(ctx, "log", fmt.Sprintf("-n%d", n), "--format=%H %s", "--", rel)
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return []string{}, nil
	}
	return strings.Split(out, "\n"), nil
}

func (g *Git) rel(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(path), nil
	}
	rel, err := filepath.Rel(g.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("vcs: %s is outside %s", path, g.dir)
	}
	return filepath.ToSlash(rel), nil
}

// Nop accepts every call and records nothing. Commit returns an empty ref.
type Nop struct{}

func (Nop) Add(context.Context, string) error { return nil }

func (Nop) Commit(context.Context, string, ...string) (string, error) { return "", nil }
