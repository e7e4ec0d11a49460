// Package notifier defines the contract every concrete notifier
// (collection-, object-, or result-set-based) implements, plus the
// Scheduler abstraction a notifier is delivered through.
//
// This package intentionally holds only interfaces and the small value
// types needed to describe a single advancement window: the core treats
// concrete notifier implementations (and the schedulers that run their
// callbacks) as external collaborators, the same way the teacher's
// coordinator.Coordinator treats Data/Metadata as caller-supplied type
// parameters rather than something it constructs itself.
package notifier

import (
	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/objectchangeset"
)

// TransactionChangeInfo carries the per-table, per-list change records
// accumulated while advancing a read transaction across one or more
// versions. Keys are whatever coarse identifier the storage engine uses for
// a table or list (an object type name, a list's containing object key and
// column); a reimplementation need only treat this as an opaque accumulator
// that Merge composes across adjacent windows.
type TransactionChangeInfo struct {
	// Tables maps an object-type identifier to its accumulated
	// ObjectChangeSet for this window.
	Tables map[string]*objectchangeset.Set
}

// NewTransactionChangeInfo returns an empty TransactionChangeInfo.
func NewTransactionChangeInfo() *TransactionChangeInfo {
	return &TransactionChangeInfo{Tables: map[string]*objectchangeset.Set{}}
}

// Merge folds other (a later, adjacent window) into c, so that a notifier
// registered several versions behind the current head sees one cumulative
// record instead of having to walk each intermediate chunk itself.
func (c *TransactionChangeInfo) Merge(other *TransactionChangeInfo) {
	for table, set := range other.Tables {
		dst, ok := c.Tables[table]
		if !ok {
			dst = objectchangeset.New()
			c.Tables[table] = dst
		}
		dst.Merge(set)
	}
}

// ReadTransaction is the handle a Notifier attaches to; it is owned and
// produced by the storage engine (an out-of-scope external collaborator)
// and merely threaded through by this package.
type ReadTransaction interface {
	// Version reports the version this read transaction is pinned to.
	Version() objectcore.VersionID
}

// Notifier is implemented by every concrete collection-, object-, or
// result-set notifier. The Coordinator (package coordinator) drives these
// methods; it never inspects a notifier's internal state directly.
type Notifier interface {
	// Version reports the version at which the notifier currently holds
	// data.
	Version() objectcore.VersionID

	// IsAlive reports whether the notifier's last external reference still
	// exists. Once false, the coordinator releases its data and drops it
	// on the next run.
	IsAlive() bool

	// IsForRealm reports whether the notifier belongs to the open database
	// handle identified by handle.
	IsForRealm(handle uintptr) bool

	// IsForObjectType reports whether the notifier observes the named
	// object type.
	IsForObjectType(objectType string) bool

	// AttachTo binds the notifier to a specific read transaction owned by
	// the coordinator, replacing any transaction it was previously attached
	// to.
	AttachTo(rt ReadTransaction) error

	// AddRequiredChangeInfo registers the tables/lists this notifier needs
	// observed into info, so the coordinator knows what to accumulate while
	// advancing the transaction log on this notifier's behalf.
	AddRequiredChangeInfo(info *TransactionChangeInfo)

	// Run computes the notifier's change-set from the change info already
	// gathered by AddRequiredChangeInfo's registration, without touching
	// any scheduler. The coordinator runs this off its own locks.
	Run() error

	// PrepareHandover snapshots the computed state into a thread-portable
	// form, to be installed on the observer thread by Deliver. Called while
	// the coordinator holds its notifier lock.
	PrepareHandover()

	// Deliver installs the prepared state on the observer thread, with rt
	// already positioned at the handed-over version.
	Deliver(rt ReadTransaction) error

	// ReleaseData drops all data derived from the storage engine. Called
	// before the coordinator relinquishes a read transaction the notifier
	// was attached to.
	ReleaseData()

	// Scheduler returns the notifier's home scheduler: its Deliver must
	// only ever be invoked from callbacks this scheduler runs.
	Scheduler() Scheduler
}

// Scheduler delivers a batch of ready notifiers on whatever thread or event
// loop the observer that registered them expects callbacks on. A typical
// implementation forwards to a channel read by a single dedicated goroutine,
// mirroring the teacher's Coordinator.Appended/Ended channel-based
// notification pattern (coordinator/coordinator.go) and the single-consumer
// event loop in juju's state/watcher.Watcher.loop.
type Scheduler interface {
	// NotifyReady is called by the coordinator once per advancement with
	// every notifier on this scheduler that has a prepared hand-over ready
	// to Deliver. The scheduler is responsible for eventually calling
	// Deliver on each of them (typically from its own goroutine, not
	// synchronously within this call).
	NotifyReady(ready []Notifier)
}

// ChannelScheduler is a Scheduler that forwards ready batches onto a Go
// channel, for observers that want to drive delivery from their own
// goroutine rather than registering callbacks.
type ChannelScheduler struct {
	Ready chan<- []Notifier
}

// NotifyReady implements Scheduler.
func (s ChannelScheduler) NotifyReady(ready []Notifier) {
	if s.Ready == nil {
		return
	}
	s.Ready <- ready
}
