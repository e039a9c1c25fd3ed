package agent

import (
	"errors"
	"fmt"

	"github.com/nugget/evchat/internal/llm"
)

// ErrEmptyMessage is returned when the user sent no text.
var ErrEmptyMessage = errors.New("agent: empty message")

// ModelError reports a failed model call. History is left consistent:
// everything persisted before the failure stays, nothing after it is
// written, and the next turn picks up from there.
type ModelError struct {
	Turn int // 1 for the tool-selection turn, 2 for the final answer
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model turn %d: %v", e.Turn, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *ModelError) Retryable() bool {
	return llm.IsRetryable(e.Err)
}

// PersistenceError reports a failed history write or read. The turn is
// abandoned at that point.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
