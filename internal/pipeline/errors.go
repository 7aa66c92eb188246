package pipeline

import (
	"errors"
	"fmt"

	"autoscrape/internal/runner"
)

var (
	// ErrFetchUnavailable marks a page that could not be fetched. The page
	// is then classified as dynamic and synthesis continues.
	ErrFetchUnavailable = errors.New("page fetch unavailable")
	// ErrSynthesisExhausted is matched by every *ExhaustedError.
	ErrSynthesisExhausted = errors.New("synthesis attempts exhausted")
	// ErrValidationFailure marks one failed attempt. It only feeds the next
	// attempt and is never returned alone.
	ErrValidationFailure = errors.New("routine failed validation")
	// ErrStaleCacheArtifact marks a cached routine that failed re-validation.
	ErrStaleCacheArtifact = errors.New("cached routine is stale")
	// ErrExecutionFailure is matched by every *ExecutionError.
	ErrExecutionFailure = runner.ErrExecutionFailure
)

// ExecutionError is a validated routine that failed when executed.
type ExecutionError = runner.ExecutionError

// ExhaustedError reports a request whose attempt budget ran out. Nothing was
// written to the cache.
type ExhaustedError struct {
	Fingerprint string
	Attempts    int
	// Details holds one failure description per attempt, oldest first.
	Details []string
}

func (e *ExhaustedError) Error() string {
	last := ""
	if n := len(e.Details); n > 0 {
		last = e.Details[n-1]
	}
	return fmt.Sprintf("no valid routine after %d attempts: %s", e.Attempts, last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrSynthesisExhausted }
