// Package cache holds the plumbing shared by the history and annotation
// caches: error kinds, on-disk layout and atomic file replacement.
package cache

import (
	"errors"
	"fmt"
)

// Kind classifies why a cached artifact could not be used.
type Kind int

const (
	// KindNotFound means no artifact exists
	KindNotFound Kind = iota + 1

	// KindStale means the artifact describes another revision
	KindStale

	// KindCorrupted means the artifact exists but cannot be decoded
	KindCorrupted
)

var (
	// ErrNotFound matches any Error of KindNotFound
	ErrNotFound = errors.New("cache: not found")

	// ErrStale matches any Error of KindStale
	ErrStale = errors.New("cache: stale")

	// ErrCorrupted matches any Error of KindCorrupted
	ErrCorrupted = errors.New("cache: corrupted")

	// ErrOutsideSourceRoot indicates a path that cannot be mapped into the cache
	ErrOutsideSourceRoot = errors.New("cache: path outside source root")
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindStale:
		return "stale"
	case KindCorrupted:
		return "corrupted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindStale:
		return ErrStale
	case KindCorrupted:
		return ErrCorrupted
	}
	return nil
}

// Error is returned by cache reads that could not produce a usable value.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache %s: %s: %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("cache %s: %s", e.Kind, e.Path)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NotFound builds a KindNotFound error.
func NotFound(path string) *Error {
	return &Error{Kind: KindNotFound, Path: path}
}

// Stale builds a KindStale error.
func Stale(path string, err error) *Error {
	return &Error{Kind: KindStale, Path: path, Err: err}
}

// Corrupted builds a KindCorrupted error.
func Corrupted(path string, err error) *Error {
	return &Error{Kind: KindCorrupted, Path: path, Err: err}
}

// KindOf returns the kind of a cache error, or 0.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
