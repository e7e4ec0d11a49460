package engine

import "gitlab.com/tozd/go/errors"

// File-open error kinds, translated from whatever the underlying storage
// engine reports. Modeled on the way internal/store/postgres.go and
// coordinator/coordinator.go translate PostgreSQL error codes into package
// sentinels instead of propagating driver errors directly.
var (
	// ErrPermissionDenied is returned when the OS denies access to the
	// database file.
	ErrPermissionDenied = errors.Base("permission denied")

	// ErrExists is returned when Config requests create-new-only semantics
	// and the file already exists.
	ErrExists = errors.Base("file exists")

	// ErrNotFound is returned when a directory component of the path is
	// missing.
	ErrNotFound = errors.Base("file not found")

	// ErrFormatUpgradeRequired is returned when the file format predates
	// what this build supports and Config does not permit an upgrade.
	ErrFormatUpgradeRequired = errors.Base("file format upgrade required")

	// ErrIncompatibleLockFile is returned when another process holds the
	// file with an incompatible architecture or version.
	ErrIncompatibleLockFile = errors.Base("incompatible lock file")

	// ErrAccess is the catch-all for I/O failures not covered above.
	ErrAccess = errors.Base("storage access error")

	// ErrBadHistory is returned when the file's history type does not
	// match Config (sync history vs. local history).
	ErrBadHistory = errors.Base("incompatible history type")

	// ErrConfigMismatch is returned by OpenDatabase when a second Config for
	// an already-open path disagrees on a field that must match across all
	// handles sharing a coordinator.
	ErrConfigMismatch = errors.Base("configuration mismatch for already-open database")
)
