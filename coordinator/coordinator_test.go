package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/coordinator"
	"gitlab.com/peerdb/objectcore/engine"
	"gitlab.com/peerdb/objectcore/notifier"
)

// TestMain verifies that closing a Coordinator actually tears down its
// background worker goroutine (coordinator.go's startWorker/Close) rather
// than leaking it across tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRT struct{ version objectcore.VersionID }

func (r *fakeRT) Version() objectcore.VersionID { return r.version }

type fakeEngine struct {
	mu      sync.Mutex
	current uint64
}

func (e *fakeEngine) Open(context.Context, engine.Config) error { return nil }

func (e *fakeEngine) CurrentVersion(context.Context) (objectcore.VersionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return objectcore.VersionID{Version: e.current}, nil
}

func (e *fakeEngine) BeginRead(_ context.Context, version objectcore.VersionID) (engine.ReadTransaction, error) {
	if version.IsZero() {
		e.mu.Lock()
		v := e.current
		e.mu.Unlock()
		return &fakeRT{version: objectcore.VersionID{Version: v}}, nil
	}
	return &fakeRT{version: version}, nil
}

func (e *fakeEngine) AdvanceRead(_ context.Context, rt engine.ReadTransaction, target objectcore.VersionID) (*notifier.TransactionChangeInfo, error) {
	r := rt.(*fakeRT) //nolint:forcetypeassert
	r.version = target
	return notifier.NewTransactionChangeInfo(), nil
}

func (e *fakeEngine) BeginWrite(context.Context) (engine.WriteTransaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &fakeRT{version: objectcore.VersionID{Version: e.current}}, nil
}

func (e *fakeEngine) Commit(_ context.Context, _ engine.WriteTransaction) (objectcore.VersionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current++
	return objectcore.VersionID{Version: e.current}, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	version   objectcore.VersionID
	handle    uintptr
	alive     atomic.Bool
	scheduler notifier.Scheduler
	ran       atomic.Int32
}

func newFakeNotifier(handle uintptr, version objectcore.VersionID, s notifier.Scheduler) *fakeNotifier {
	n := &fakeNotifier{handle: handle, version: version, scheduler: s}
	n.alive.Store(true)
	return n
}

func (n *fakeNotifier) Version() objectcore.VersionID { n.mu.Lock(); defer n.mu.Unlock(); return n.version }
func (n *fakeNotifier) IsAlive() bool                 { return n.alive.Load() }
func (n *fakeNotifier) IsForRealm(h uintptr) bool      { return h == n.handle }
func (n *fakeNotifier) IsForObjectType(string) bool    { return true }

func (n *fakeNotifier) AttachTo(rt notifier.ReadTransaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.version = rt.Version()
	return nil
}

func (n *fakeNotifier) AddRequiredChangeInfo(*notifier.TransactionChangeInfo) {}

func (n *fakeNotifier) Run() error {
	n.ran.Add(1)
	return nil
}

func (n *fakeNotifier) PrepareHandover()                       {}
func (n *fakeNotifier) Deliver(notifier.ReadTransaction) error { return nil }
func (n *fakeNotifier) ReleaseData()                           {}
func (n *fakeNotifier) Scheduler() notifier.Scheduler           { return n.scheduler }

func TestRegisterAndCommitDeliversNotification(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	c := coordinator.GetOrCreate(t.Name(), eng, zerolog.Nop())

	handle, errE := c.OpenDatabase(context.Background(), engine.Config{
		Path:                         t.Name(),
		AutomaticChangeNotifications: true,
	})
	require.NoError(t, errE)

	ready := make(chan []notifier.Notifier, 1)
	sched := notifier.ChannelScheduler{Ready: ready}
	n := newFakeNotifier(handle, objectcore.VersionID{}, sched)

	require.NoError(t, c.RegisterNotifier(context.Background(), n))

	version, err := eng.Commit(context.Background(), &fakeRT{})
	require.NoError(t, err)
	c.CommitWrite(handle, version)

	select {
	case batch := <-ready:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	c.Close()
}

// TestCommitWriteSplitsRunAtSkipVersion covers spec scenario 6: a skip_version
// set before the worker picks up the wake (the writer committing on a handle
// it also holds a notifier for) must not simply be folded into the next
// run's change info — it produces its own, separate notifier run bounded at
// the skip version, in addition to the run that advances to the eventual
// target. CommitWrite only records the skip version once the notifier has
// been promoted by its registration run, so the test waits for that run's
// batch first. The commit should then drive at least two more Run() calls.
func TestCommitWriteSplitsRunAtSkipVersion(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	c := coordinator.GetOrCreate(t.Name(), eng, zerolog.Nop())

	handle, errE := c.OpenDatabase(context.Background(), engine.Config{
		Path:                         t.Name(),
		AutomaticChangeNotifications: true,
	})
	require.NoError(t, errE)

	ready := make(chan []notifier.Notifier, 1)
	sched := notifier.ChannelScheduler{Ready: ready}
	n := newFakeNotifier(handle, objectcore.VersionID{}, sched)

	require.NoError(t, c.RegisterNotifier(context.Background(), n))

	select {
	case batch := <-ready:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for registration run")
	}
	before := n.ran.Load()

	version, err := eng.Commit(context.Background(), &fakeRT{})
	require.NoError(t, err)
	c.CommitWrite(handle, version)

	select {
	case batch := <-ready:
		require.Len(t, batch, 1)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	require.GreaterOrEqual(t, n.ran.Load()-before, int32(2))

	c.Close()
}

type erroringEngine struct {
	fakeEngine
}

func (e *erroringEngine) CurrentVersion(context.Context) (objectcore.VersionID, error) {
	return objectcore.VersionID{}, errors.New("engine unavailable")
}

// TestAdvanceToReadyWrapsAsyncFailure covers the async-error path: once a
// background run has hit a storage error, the coordinator is terminal for
// notification purposes and every subsequent AdvanceToReady call must
// surface that failure wrapped in ErrAsyncFailure rather than block.
func TestAdvanceToReadyWrapsAsyncFailure(t *testing.T) {
	t.Parallel()

	eng := &erroringEngine{}
	c := coordinator.GetOrCreate(t.Name(), eng, zerolog.Nop())

	handle, errE := c.OpenDatabase(context.Background(), engine.Config{
		Path:                         t.Name(),
		AutomaticChangeNotifications: true,
	})
	require.NoError(t, errE)

	sched := notifier.ChannelScheduler{Ready: make(chan []notifier.Notifier, 1)}
	n := newFakeNotifier(handle, objectcore.VersionID{}, sched)
	require.NoError(t, c.RegisterNotifier(context.Background(), n))

	require.Eventually(t, func() bool {
		return c.AdvanceToReady(context.Background(), handle) != nil
	}, time.Second, 10*time.Millisecond)

	errE = c.AdvanceToReady(context.Background(), handle)
	require.Error(t, errE)
	require.ErrorIs(t, errE, coordinator.ErrAsyncFailure)

	n.alive.Store(false)
	c.Close()
}
