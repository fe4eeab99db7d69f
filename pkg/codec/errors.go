// Package codec implements the persisted artifact format of the history and
// annotation caches
package codec

import "errors"

var (
	// ErrCorrupted indicates a checksum mismatch or undecodable compression
	ErrCorrupted = errors.New("codec: corrupted artifact")

	// ErrTruncated indicates an artifact shorter than its header declares
	ErrTruncated = errors.New("codec: truncated artifact")

	// ErrBadMagic indicates data that is not an artifact
	ErrBadMagic = errors.New("codec: bad magic")

	// ErrUnsupportedVersion indicates an artifact written by an unknown format version
	ErrUnsupportedVersion = errors.New("codec: unsupported format version")

	// ErrKindMismatch indicates an artifact of another kind than requested
	ErrKindMismatch = errors.New("codec: artifact kind mismatch")

	// ErrInvalidValue indicates a malformed typed value
	ErrInvalidValue = errors.New("codec: invalid value")

	// ErrSchema indicates values that do not follow the artifact schema
	ErrSchema = errors.New("codec: schema violation")
)
