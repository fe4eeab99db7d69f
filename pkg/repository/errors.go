package repository

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported indicates an operation the backend cannot perform
	ErrUnsupported = errors.New("repository: operation not supported")

	// ErrRevisionNotFound indicates a revision unknown to the backend
	ErrRevisionNotFound = errors.New("repository: revision not found")

	// ErrNotRepository indicates a directory without a known repository marker
	ErrNotRepository = errors.New("repository: not a repository")

	// ErrNoBackend indicates a detected type without a registered constructor
	ErrNoBackend = errors.New("repository: no backend for type")
)

// HistoryError reports a failed backend call.
type HistoryError struct {
	Repository string
	Op         string
	Err        error
}

func (e *HistoryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Repository, e.Err)
}

func (e *HistoryError) Unwrap() error {
	return e.Err
}

// Errorf wraps err as a HistoryError of repository root.
func Errorf(root, op string, err error) error {
	if err == nil {
		return nil
	}
	return &HistoryError{Repository: root, Op: op, Err: err}
}
