package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while realizing or propagating
// relations.
//
// Runtime errors fall into three tiers:
//   - Structural misuse: missing clone support, undefined selection sides,
//     operations on destroyed nodes. Logged; the operation is incomplete.
//   - Resolution failures: a relation names a tree that cannot be found even
//     after remapping. The relation is skipped; the forrest continues.
//   - Remote failures: a transform commit was rejected. The transform and its
//     lineage become failed and the error reaches the immediate caller.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// TreeName identifies the affected tree, if any.
	TreeName string

	// RelationID identifies the relation declaration, if any.
	RelationID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMissingCloneHook indicates the adapter cannot clone a node.
	ErrCodeMissingCloneHook RuntimeErrorCode = "MISSING_CLONE_HOOK"

	// ErrCodeUndefinedSelection indicates a relation side has no selection.
	ErrCodeUndefinedSelection RuntimeErrorCode = "UNDEFINED_SELECTION"

	// ErrCodeDestroyed indicates an operation on a destroyed node handle.
	ErrCodeDestroyed RuntimeErrorCode = "DESTROYED_NODE"

	// ErrCodeUnresolvedTree indicates a tree name that cannot be resolved.
	ErrCodeUnresolvedTree RuntimeErrorCode = "UNRESOLVED_TREE"

	// ErrCodeUnknownAdapter indicates no adapter is registered for a kind.
	ErrCodeUnknownAdapter RuntimeErrorCode = "UNKNOWN_ADAPTER"

	// ErrCodeRemoteCommit indicates the remote store rejected a transform.
	ErrCodeRemoteCommit RuntimeErrorCode = "REMOTE_COMMIT_FAILED"

	// ErrCodeNoIterables indicates a collection has no item to clone from.
	ErrCodeNoIterables RuntimeErrorCode = "NO_ITERABLES"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.TreeName != "" {
		msg += fmt.Sprintf(" (tree=%s)", e.TreeName)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, codes ...RuntimeErrorCode) bool {
	var re *RuntimeError
	if !errors.As(err, &re) {
		return false
	}
	for _, c := range codes {
		if re.Code == c {
			return true
		}
	}
	return false
}

// IsStructuralError reports whether err is a tier-1 structural misuse.
// Uses errors.As to handle wrapped errors.
func IsStructuralError(err error) bool {
	return hasCode(err, ErrCodeMissingCloneHook, ErrCodeUndefinedSelection, ErrCodeDestroyed, ErrCodeNoIterables)
}

// IsResolutionError reports whether err is a tier-2 resolution failure.
func IsResolutionError(err error) bool {
	return hasCode(err, ErrCodeUnresolvedTree, ErrCodeUnknownAdapter)
}

// IsRemoteError reports whether err is a tier-3 remote commit failure.
func IsRemoteError(err error) bool {
	return hasCode(err, ErrCodeRemoteCommit)
}

// NewUnresolvedTreeError creates a RuntimeError for a tree name that could
// not be resolved even after remapping.
func NewUnresolvedTreeError(treeName, relationID string) *RuntimeError {
	return &RuntimeError{
		Code:       ErrCodeUnresolvedTree,
		Message:    "relation names a tree that is not available",
		TreeName:   treeName,
		RelationID: relationID,
	}
}

// NewRemoteCommitError wraps a rejected commit.
func NewRemoteCommitError(treeName, guid string, cause error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeRemoteCommit,
		Message:  "remote store rejected transform",
		TreeName: treeName,
		Details:  map[string]string{"guid": guid},
		Err:      cause,
	}
}

func newDestroyedError(id NodeID) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeDestroyed,
		Message: fmt.Sprintf("node %d is already destroyed", id),
	}
}
