package statedb

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBlock is returned when a canonicalization target is not at the expected level.
	ErrInvalidBlock = errors.New("trying to canonicalize invalid block")
	// ErrInvalidBlockNumber is returned when an inserted block is outside the tracked levels.
	ErrInvalidBlockNumber = errors.New("trying to insert block with invalid number")
	// ErrInvalidParent is returned when an inserted block's parent is unknown.
	ErrInvalidParent = errors.New("trying to insert block with unknown parent")
	// ErrDecoding is returned when a journal record can not be decoded.
	ErrDecoding = errors.New("error decoding journal record")
	// ErrInvalidPruningMode is matched by every *InvalidPruningModeError.
	ErrInvalidPruningMode = errors.New("pruning mode mismatch")

	// ErrDuplicateBlock is returned when inserting a hash that is already tracked.
	ErrDuplicateBlock = errors.New("block already tracked")
	// ErrConflictingValue is returned when a block inserts a key that another
	// live fork holds with a different value.
	ErrConflictingValue = errors.New("conflicting value for tracked key")
	// ErrTooManySiblingBlocks is returned when a height already holds the
	// maximum number of non-canonical blocks.
	ErrTooManySiblingBlocks = errors.New("too many sibling blocks")

	// ErrPinInvalidBlock is returned by Pin for hashes that are neither in the
	// overlay nor in the pruning window.
	ErrPinInvalidBlock = errors.New("trying to pin unknown block")
)

// DBError wraps a failure of the backing store.
type DBError struct {
	Err error
}

func (e *DBError) Error() string {
	return fmt.Sprintf("database error: %v", e.Err)
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// InvalidPruningModeError reports the mode that is persisted in the store.
type InvalidPruningModeError struct {
	Stored string
}

func (e *InvalidPruningModeError) Error() string {
	return fmt.Sprintf("expected pruning mode: %s", e.Stored)
}

func (e *InvalidPruningModeError) Is(target error) bool {
	return target == ErrInvalidPruningMode
}
