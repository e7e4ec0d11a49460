// Package engine declares the small interface this module consumes from the
// underlying transactional storage engine (MVCC snapshots, transaction log
// replay, group/cluster leaf access are all out of scope, per SPEC_FULL.md
// §1): begin a read at a given version, advance a read transaction to a
// later version while collecting a change record, and commit a write
// producing a new version. It also carries the Config fields the
// coordinator validates and the file-open error taxonomy those opens can
// fail with.
package engine

import (
	"context"
	"io/fs"
	"os"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/notifier"
)

// SchemaMode mirrors the storage engine's schema reconciliation policy.
type SchemaMode int

const (
	// SchemaModeAutomatic lets the storage engine apply schema changes
	// implicitly on open.
	SchemaModeAutomatic SchemaMode = iota
	// SchemaModeImmutable rejects opens against a schema version other than
	// the one recorded on disk.
	SchemaModeImmutable
	// SchemaModeReadOnly never writes schema, only validates compatibility.
	SchemaModeReadOnly
)

// Config enumerates exactly the inputs the core consumes when opening a
// database; it does not attempt to model the storage engine's full
// configuration surface.
type Config struct {
	// Path is the canonical file path; it identifies the Coordinator.
	Path string

	// EncryptionKey is passed through to the storage engine unexamined. A
	// mismatch against an already-open coordinator for the same Path is
	// reported as ErrConfigMismatch.
	EncryptionKey []byte

	// Immutable and InMemory must match across every handle sharing a
	// coordinator.
	Immutable bool
	InMemory  bool

	// SchemaMode must match across every handle sharing a coordinator.
	SchemaMode SchemaMode

	// SchemaVersion, when non-nil, must match on subsequent handles once
	// pinned by the first.
	SchemaVersion *uint64

	// AutomaticChangeNotifications, if false, tells the Coordinator not to
	// start a background worker; observers must poll via
	// Coordinator.ProcessAvailableAsync instead.
	AutomaticChangeNotifications bool

	// Cache selects whether to reuse a cached per-scheduler open handle.
	Cache bool
}

// compatible reports whether other may share a coordinator with c.
func (c Config) compatible(other Config) errors.E {
	switch {
	case c.Immutable != other.Immutable:
		return fieldMismatch("immutable")
	case c.InMemory != other.InMemory:
		return fieldMismatch("inMemory")
	case c.SchemaMode != other.SchemaMode:
		return fieldMismatch("schemaMode")
	case c.SchemaVersion != nil && other.SchemaVersion != nil && *c.SchemaVersion != *other.SchemaVersion:
		return fieldMismatch("schemaVersion")
	case string(c.EncryptionKey) != string(other.EncryptionKey):
		return fieldMismatch("encryptionKey")
	}
	return nil
}

func fieldMismatch(field string) errors.E {
	errE := errors.WithStack(ErrConfigMismatch)
	errors.Details(errE)["field"] = field
	return errE
}

// Compatible reports whether other may share a coordinator opened with c.
func (c Config) Compatible(other Config) errors.E {
	return c.compatible(other)
}

// ReadTransaction is a read snapshot pinned at a specific version.
type ReadTransaction = notifier.ReadTransaction

// WriteTransaction is an in-progress write, not yet committed.
type WriteTransaction interface {
	ReadTransaction
}

// Engine is the external storage-engine collaborator this module depends
// on. A real implementation wraps whatever MVCC/transaction-log machinery
// the embedding database provides; this module never reaches past this
// interface into the storage engine's internals.
type Engine interface {
	// Open validates and opens the database file described by cfg,
	// translating any failure into one of the error kinds in errors.go.
	Open(ctx context.Context, cfg Config) error

	// CurrentVersion reports the latest committed version.
	CurrentVersion(ctx context.Context) (objectcore.VersionID, error)

	// BeginRead opens a read transaction pinned at version. A zero
	// objectcore.VersionID means "pin the current head".
	BeginRead(ctx context.Context, version objectcore.VersionID) (ReadTransaction, error)

	// AdvanceRead advances rt to target, returning the accumulated change
	// record covering every version strictly after rt's current version up
	// to and including target.
	AdvanceRead(ctx context.Context, rt ReadTransaction, target objectcore.VersionID) (*notifier.TransactionChangeInfo, error)

	// BeginWrite opens a write transaction against the current head.
	BeginWrite(ctx context.Context) (WriteTransaction, error)

	// Commit commits wt, producing and returning a new version.
	Commit(ctx context.Context, wt WriteTransaction) (objectcore.VersionID, error)
}

// TranslateOpenError maps a raw OS-level error encountered while opening
// path into one of this package's file-open error kinds, the way
// internal/store/pgx.go's WithPgxError maps a *pgconn.PgError into a
// store-level sentinel instead of letting callers match on driver types.
func TranslateOpenError(err error, path string) errors.E {
	if err == nil {
		return nil
	}

	var errE errors.E
	switch {
	case os.IsPermission(err):
		errE = errors.WithStack(ErrPermissionDenied)
	case os.IsExist(err):
		errE = errors.WithStack(ErrExists)
	case os.IsNotExist(err):
		errE = errors.WithStack(ErrNotFound)
	default:
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			errE = errors.WrapWith(err, ErrAccess)
		} else {
			errE = errors.WrapWith(err, ErrAccess)
		}
	}
	errors.Details(errE)["path"] = path
	return errE
}
