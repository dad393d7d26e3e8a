// Package executor applies a proposal to its target document as one
// all-or-nothing change: validate, back up, transform, write a temporary
// sibling, replace, commit. Any failure after the backup exists restores the
// original bytes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/starford/recordbook/internal/apperr"
	"github.com/starford/recordbook/internal/checksum"
	"github.com/starford/recordbook/internal/models"
	"github.com/starford/recordbook/internal/ops"
	"github.com/starford/recordbook/internal/parser"
	"github.com/starford/recordbook/internal/storage"
	"github.com/starford/recordbook/internal/validate"
	"github.com/starford/recordbook/internal/vcs"
)

// Result reports the outcome of one execution.
type Result struct {
	Success    bool             `json:"success"`
	ProposalID string           `json:"proposal_id"`
	Path       string           `json:"path,omitempty"`
	Changed    bool             `json:"changed"`
	CommitRef  string           `json:"commit_ref,omitempty"`
	Checksum   string           `json:"checksum,omitempty"`
	Error      string           `json:"error,omitempty"`
	Issues     []validate.Issue `json:"issues,omitempty"`
}

// Executor runs proposals. It is safe for concurrent use; executions against
// the same file are serialized.
type Executor struct {
	registry storage.Registry
	files    storage.Files
	vcs      vcs.VCS
	applier  *ops.Applier
	logger   *slog.Logger
	newID    func() string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDGenerator replaces the uuid generator used for proposals without an
// id and for transient file names.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) { e.newID = fn }
}

// WithLogger sets the logger. slog.Default is used otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func New(registry storage.Registry, files storage.Files, v vcs.VCS, applier *ops.Applier, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		files:    files,
		vcs:      v,
		applier:  applier,
		logger:   slog.Default(),
		newID:    uuid.NewString,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Validate resolves and parses the target and checks p against it without
// touching anything.
func (e *Executor) Validate(_ context.Context, p models.Proposal) (validate.Result, error) {
	res, err := e.resolve(p.TargetFile)
	if err != nil {
		return validate.Result{}, err
	}
	data, err := e.files.ReadFile(res.Path)
	if err != nil {
		return validate.Result{}, &Error{Stage: StageRead, Path: res.Rel, Err: err}
	}
	return validate.Validate(parser.Parse(string(data)), p), nil
}

// Execute applies p. On failure the returned Result has Success false and the
// error is an *Error; the target file is left as it was.
func (e *Executor) Execute(ctx context.Context, p models.Proposal) (Result, error) {
	if p.ID == "" {
		p.ID = e.newID()
	}
	out := Result{ProposalID: p.ID}
	fail := func(err error) (Result, error) {
		out.Error = err.Error()
		out.Issues = validate.Issues(err)
		return out, err
	}

	res, err := e.resolve(p.TargetFile)
	if err != nil {
		return fail(err)
	}
	out.Path = res.Rel
	log := e.logger.With(slog.String("proposal", p.ID), slog.String("path", res.Rel))

	unlock := e.lock(res.Path)
	defer unlock()

	original, err := e.files.ReadFile(res.Path)
	if err != nil {
		return fail(&Error{Stage: StageRead, Path: res.Rel, Err: err})
	}
	token := checksum.Sum(original)
	if p.IfMatch != "" && p.IfMatch != token {
		log.Info("executor: precondition failed", slog.String("want", checksum.Short(p.IfMatch)), slog.String("have", checksum.Short(token)))
		return fail(&Error{Stage: StageMatch, Path: res.Rel, Err: fmt.Errorf("document changed since it was read: %w", apperr.ErrConflict)})
	}

	if vr := validate.Validate(parser.Parse(string(original)), p); !vr.Valid {
		log.Info("executor: proposal rejected", slog.Int("issues", len(vr.Errors)))
		return fail(&Error{Stage: StageValidate, Path: res.Rel, Err: vr.Err()})
	}

	tx := &txn{
		e:        e,
		log:      log,
		target:   res.Path,
		rel:      res.Rel,
		backup:   sibling(res.Path, p.ID, "bak"),
		temp:     sibling(res.Path, p.ID, "tmp"),
		original: original,
	}

	if err := e.files.WriteFile(tx.backup, original); err != nil {
		_ = e.files.Remove(tx.backup)
		return fail(&Error{Stage: StageBackup, Path: res.Rel, Err: err})
	}

	text := string(original)
	for i, op := range p.Ops {
		text, err = e.applier.Try(text, op)
		if err != nil {
			return fail(tx.abort(ctx, StageApply, fmt.Errorf("ops[%d]: %w", i, err)))
		}
	}

	if text == string(original) {
		tx.cleanup()
		log.Info("executor: proposal made no change")
		out.Success = true
		out.Checksum = token
		return out, nil
	}

	if err := e.files.WriteFile(tx.temp, []byte(text)); err != nil {
		return fail(tx.abort(ctx, StageWrite, err))
	}

	current, err := e.files.ReadFile(res.Path)
	if err != nil {
		return fail(tx.abort(ctx, StageReplace, err))
	}
	if !checksum.Match(current, token) {
		return fail(tx.abort(ctx, StageReplace, fmt.Errorf("document changed during execution: %w", apperr.ErrConflict)))
	}

	tx.replaced = true
	if err := e.files.Replace(tx.temp, res.Path); err != nil {
		return fail(tx.abort(ctx, StageReplace, err))
	}

	if err := e.vcs.Add(ctx, res.Path); err != nil {
		return fail(tx.abort(ctx, StageCommit, err))
	}
	ref, err := e.vcs.Commit(ctx, CommitMessage(p, res.Rel), res.Path)
	if err != nil {
		return fail(tx.abort(ctx, StageCommit, err))
	}

	tx.cleanup()
	out.Success = true
	out.Changed = true
	out.CommitRef = ref
	out.Checksum = checksum.Sum([]byte(text))
	log.Info("executor: proposal committed",
		slog.String("commit", ref),
		slog.Int("ops", len(p.Ops)),
		slog.String("from", checksum.Short(token)),
		slog.String("to", checksum.Short(out.Checksum)))
	return out, nil
}

func (e *Executor) resolve(target string) (storage.Resolution, error) {
	res, err := e.registry.Resolve(target)
	if err != nil {
		return storage.Resolution{}, &Error{Stage: StageResolve, Path: target, Err: fmt.Errorf("%w: %v", apperr.ErrInvalid, err)}
	}
	if !res.Exists {
		return storage.Resolution{}, &Error{Stage: StageResolve, Path: target, Err: fmt.Errorf("document %q: %w", target, apperr.ErrNotFound)}
	}
	return res, nil
}

func (e *Executor) lock(path string) func() {
	e.mu.Lock()
	m, ok := e.locks[path]
	if !ok {
		m = &sync.Mutex{}
		e.locks[path] = m
	}
	e.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// txn tracks the transient files of one execution.
type txn struct {
	e        *Executor
	log      *slog.Logger
	target   string
	rel      string
	backup   string
	temp     string
	original []byte
	replaced bool
}

// abort rolls back and returns the error to report. The target is restored
// from the backup only once a replace has been attempted; before that it was
// never touched.
func (t *txn) abort(ctx context.Context, stage Stage, cause error) error {
	t.log.Warn("executor: execution failed, rolling back",
		slog.String("stage", string(stage)), slog.String("error", cause.Error()))
	execErr := &Error{Stage: stage, Path: t.rel, Err: cause}

	if t.replaced {
		if err := t.e.files.Replace(t.backup, t.target); err != nil {
			execErr.RollbackErr = err
			t.log.Error("executor: rollback failed, backup kept",
				slog.String("backup", t.backup), slog.String("error", err.Error()))
			t.remove(t.temp)
			return execErr
		}
		if stage == StageCommit {
			// Re-stage the restored bytes so the index matches the work tree.
			if err := t.e.vcs.Add(ctx, t.target); err != nil {
				t.log.Warn("executor: re-stage after rollback failed", slog.String("error", err.Error()))
			}
		}
	}
	t.cleanup()
	return execErr
}

func (t *txn) cleanup() {
	t.remove(t.temp)
	t.remove(t.backup)
}

func (t *txn) remove(path string) {
	if err := t.e.files.Remove(path); err != nil {
		t.log.Warn("executor: cleanup failed", slog.String("file", path), slog.String("error", err.Error()))
	}
}

// sibling names a hidden transient file next to target.
func sibling(target, id, ext string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, fmt.Sprintf(".%s.%s.%s", base, id, ext))
}

// CommitMessage summarizes p: a subject naming the document and the first
// operation, then one line per operation.
func CommitMessage(p models.Proposal, rel string) string {
	lines := p.Summary()
	var b strings.Builder
	b.WriteString(rel)
	b.WriteString(": ")
	if len(lines) > 0 {
		b.WriteString(lines[0])
	}
	if len(lines) > 1 {
		fmt.Fprintf(&b, " (+%d more)", len(lines)-1)
	}
	b.WriteString("\n\n")
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	if p.Message != "" {
		b.WriteString("\n")
		b.WriteString(p.Message)
		b.WriteString("\n")
	}
	b.WriteString("\nProposal: ")
	b.WriteString(p.ID)
	return b.String()
}

// IsRejected reports whether err is a failure that happened before anything
// was written: resolution, read, precondition or validation.
func IsRejected(err error) bool {
	var ee *Error
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Stage {
	case StageResolve, StageRead, StageMatch, StageValidate:
		return true
	}
	return false
}
