package orchestrator

import "errors"

var (
	// ErrNoRepository indicates a path outside every registered repository
	ErrNoRepository = errors.New("orchestrator: no repository for path")

	// ErrNoHistory indicates history that is disabled, unsupported or not
	// cached while live fetches are not allowed
	ErrNoHistory = errors.New("orchestrator: no history available")

	// ErrNoAnnotation indicates an annotation that cannot be served
	ErrNoAnnotation = errors.New("orchestrator: no annotation available")
)
