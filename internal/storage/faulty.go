package storage

import (
	"path/filepath"
	"strings"
	"sync"
)

// FileOp names a Files method for fault injection.
type FileOp string

const (
	OpRead    FileOp = "read"
	OpWrite   FileOp = "write"
	OpReplace FileOp = "replace"
	OpRemove  FileOp = "remove"
)

type fault struct {
	op      FileOp
	pattern string
	err     error
}

// Faulty wraps Files and fails selected calls. Faults are sticky until
// Clear is called. Patterns match the base name of the path argument (the
// destination for Replace) with filepath.Match syntax.
type Faulty struct {
	Files

	mu     sync.Mutex
	faults []fault
	calls  []string
}

func NewFaulty(inner Files) *Faulty {
	return &Faulty{Files: inner}
}

// FailOn makes op fail with err whenever the path's base name matches pattern.
func (f *Faulty) FailOn(op FileOp, pattern string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = append(f.faults, fault{op: op, pattern: pattern, err: err})
}

// Clear removes every configured fault.
func (f *Faulty) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = nil
}

// Calls returns the recorded calls as "op base-name" strings.
func (f *Faulty) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Faulty) check(op FileOp, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := filepath.Base(path)
	f.calls = append(f.calls, string(op)+" "+base)
	for _, ft := range f.faults {
		if ft.op != op {
			continue
		}
		if ok, _ := filepath.Match(ft.pattern, base); ok || strings.Contains(base, ft.pattern) {
			return ft.err
		}
	}
	return nil
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpRead, path); err != nil {
		return nil, err
	}
	return f.Files.ReadFile(path)
}

func (f *Faulty) WriteFile(path string, data []byte) error {
	if err := f.check(OpWrite, path); err != nil {
		return err
	}
	return f.Files.WriteFile(path, data)
}

func (f *Faulty) Replace(src, dst string) error {
	if err := f.check(OpReplace, dst); err != nil {
		return err
	}
	return f.Files.Replace(src, dst)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.Files.Remove(path)
}
