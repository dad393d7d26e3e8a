package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalid           = errors.New("invalid")
	ErrIllegalTransition = errors.New("illegal transition")
)
