package executor

import "fmt"

// Stage names the step of an execution that failed.
type Stage string

const (
	StageResolve  Stage = "resolve"
	StageRead     Stage = "read"
	StageMatch    Stage = "precondition"
	StageValidate Stage = "validate"
	StageBackup   Stage = "backup"
	StageApply    Stage = "apply"
	StageWrite    Stage = "write"
	StageReplace  Stage = "replace"
	StageCommit   Stage = "commit"
)

// Error is an execution failure. Err is the root cause and is what Unwrap
// returns; a failed rollback is recorded beside it and never replaces it.
type Error struct {
	Stage       Stage
	Path        string
	Err         error
	RollbackErr error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("execute %s: %s: %v", e.Path, e.Stage, e.Err)
	if e.RollbackErr != nil {
		msg += fmt.Sprintf(" (rollback failed: %v)", e.RollbackErr)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
