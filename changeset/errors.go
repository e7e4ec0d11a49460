package changeset

import "gitlab.com/tozd/go/errors"

var (
	// ErrInvalidMove is returned by Verify when a move's From is not present
	// in the finalized deletions, or its To is not present in the finalized
	// insertions.
	ErrInvalidMove = errors.Base("move endpoint not present in deletions/insertions")

	// ErrAlreadyFinalized is returned when an operation is applied to a
	// Builder after Finalize has already consumed it.
	ErrAlreadyFinalized = errors.Base("builder already finalized")
)
