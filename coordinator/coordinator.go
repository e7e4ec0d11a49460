// Package coordinator implements the per-database-file singleton that owns
// the background-notifier lifecycle: it pins the oldest version any
// pending notifier still needs, advances each notifier incrementally
// through the storage engine's transaction log, applies "skip this version"
// suppression requested by a committing writer, and hands refreshed results
// back to each notifier's home scheduler.
//
// The background worker is a single goroutine per Coordinator reading from
// a buffered wake channel, the same single-consumer actor-loop shape as
// juju's state/watcher.Watcher.loop (other_examples/.../mstate/watcher.go):
// all mutation of shared notifier state happens either under notifierMu or
// inside that one goroutine, so run() executes without holding any lock
// even though it fans out across notifiers.
package coordinator

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"gitlab.com/peerdb/objectcore"
	"gitlab.com/peerdb/objectcore/engine"
	"gitlab.com/peerdb/objectcore/notifier"
)

// registryMu guards registry, the process-wide path-to-Coordinator table.
// Per SPEC_FULL.md §9, this is the only global-state mutex in the module;
// only construction/lookup of a Coordinator ever takes it.
var (
	registryMu sync.Mutex           //nolint:gochecknoglobals
	registry   = map[string]*Coordinator{} //nolint:gochecknoglobals
)

// GetOrCreate returns the Coordinator registered for path, creating and
// registering one if there is none. A Coordinator stays registered until
// its Close is called. Idempotent per path.
func GetOrCreate(path string, eng engine.Engine, logger zerolog.Logger) *Coordinator {
	registryMu.Lock()
	defer registryMu.Unlock()

	if c, ok := registry[path]; ok {
		return c
	}
	c := &Coordinator{
		path:        path,
		engine:      eng,
		logger:      logger,
		openHandles: map[uintptr]engine.Config{},
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	c.runDone = sync.NewCond(&c.notifierMu)
	cache, _ := lru.New[uint64, *schemaCacheEntry](schemaCacheSize)
	c.schemaCache = cache
	registry[path] = c
	return c
}

// schemaCacheSize bounds the Coordinator's cached-schema LRU (per
// SPEC_FULL.md §11: schema_cache_mutex-guarded cached schema metadata).
const schemaCacheSize = 32

// schemaCacheEntry is a placeholder for whatever per-object-type schema
// descriptor the embedding database associates with a schema version; the
// storage engine's schema representation is out of scope (SPEC_FULL.md
// §1). The Coordinator creates the cache but nothing in this module reads
// from or writes to it.
type schemaCacheEntry struct {
	version     uint64
	objectTypes map[string]struct{}
}

// Coordinator is a per-file singleton. See the package doc comment and
// SPEC_FULL.md §4.6 for the full contract.
type Coordinator struct {
	path   string
	engine engine.Engine
	logger zerolog.Logger

	realmMu     sync.Mutex
	openHandles map[uintptr]engine.Config

	notifierMu   sync.Mutex
	notifiers    []notifier.Notifier
	newNotifiers []notifier.Notifier
	skipVersion  objectcore.VersionID
	asyncErr     error
	runDone      *sync.Cond

	schemaCacheMu sync.Mutex
	schemaCache   *lru.Cache[uint64, *schemaCacheEntry]

	mainRT     engine.ReadTransaction
	advancerRT engine.ReadTransaction

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// OpenDatabase opens (or validates an already-open) shared database handle
// for cfg.Path, returning a process-local handle identifier. Config fields
// that must agree across every handle sharing this coordinator are checked
// against the first handle opened.
func (c *Coordinator) OpenDatabase(ctx context.Context, cfg engine.Config) (uintptr, errors.E) {
	c.realmMu.Lock()
	defer c.realmMu.Unlock()

	for _, existing := range c.openHandles {
		if errE := existing.Compatible(cfg); errE != nil {
			return 0, errE
		}
		break
	}

	if err := c.engine.Open(ctx, cfg); err != nil {
		return 0, engine.TranslateOpenError(err, cfg.Path)
	}

	workerRunning := false
	for _, existing := range c.openHandles {
		if existing.AutomaticChangeNotifications {
			workerRunning = true
			break
		}
	}

	handle := uintptr(len(c.openHandles) + 1) //nolint:gosec
	c.openHandles[handle] = cfg

	if cfg.AutomaticChangeNotifications && !workerRunning {
		c.startWorker()
	}

	return handle, nil
}

func (c *Coordinator) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-c.wake:
				c.onChange(context.Background())
			}
		}
	}()
}

// Close stops the background worker and drops this Coordinator from the
// process-wide registry. Callers must ensure every notifier has already
// been torn down.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[c.path] == c {
		delete(registry, c.path)
	}
}

// RegisterNotifier adds n to the set of pending notifiers and pins
// n.Version() by ensuring an advancer read transaction exists at or before
// that version.
func (c *Coordinator) RegisterNotifier(ctx context.Context, n notifier.Notifier) errors.E {
	c.notifierMu.Lock()
	defer c.notifierMu.Unlock()

	if c.advancerRT == nil || (!n.Version().IsZero() && n.Version().Less(c.advancerRT.Version())) {
		rt, err := c.engine.BeginRead(ctx, n.Version())
		if err != nil {
			return errors.WithStack(err)
		}
		c.advancerRT = rt
	}

	c.newNotifiers = append(c.newNotifiers, n)
	c.wakeLocked()
	return nil
}

// CommitWrite is called on a writer thread once the storage engine has
// advanced handle's read transaction to the post-commit version. If any
// notifier belongs to handle, that version is recorded as skipVersion so
// the background worker does not re-deliver a commit the writer already
// knows about.
func (c *Coordinator) CommitWrite(handle uintptr, version objectcore.VersionID) {
	c.notifierMu.Lock()
	for _, n := range c.notifiers {
		if n.IsForRealm(handle) {
			c.skipVersion = version
			break
		}
	}
	c.wakeLocked()
	c.notifierMu.Unlock()
}

func (c *Coordinator) wakeLocked() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// onChange is the background worker's entry point; see SPEC_FULL.md §4.6
// for the numbered steps this mirrors.
func (c *Coordinator) onChange(ctx context.Context) {
	c.notifierMu.Lock()

	c.notifiers = dropDead(c.notifiers)
	c.newNotifiers = dropDead(c.newNotifiers)
	if len(c.notifiers) == 0 && len(c.newNotifiers) == 0 {
		c.runDone.Broadcast()
		c.notifierMu.Unlock()
		return
	}

	if c.mainRT == nil {
		rt, err := c.engine.BeginRead(ctx, objectcore.VersionID{})
		if err != nil {
			c.asyncErr = err
			c.promoteNewLocked()
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		c.mainRT = rt
	}

	newNotifiers := c.newNotifiers
	c.newNotifiers = nil

	var target objectcore.VersionID
	var newChunk *notifier.TransactionChangeInfo
	if len(newNotifiers) > 0 {
		sort.Slice(newNotifiers, func(i, j int) bool { return newNotifiers[i].Version().Less(newNotifiers[j].Version()) })

		chunk, err := c.engine.AdvanceRead(ctx, c.advancerRT, newNotifiers[len(newNotifiers)-1].Version())
		if err != nil {
			c.asyncErr = err
			c.notifiers = append(c.notifiers, newNotifiers...)
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		for _, n := range newNotifiers {
			n.AddRequiredChangeInfo(chunk)
		}
		newChunk = chunk

		head, err := c.engine.CurrentVersion(ctx)
		if err != nil {
			c.asyncErr = err
			c.notifiers = append(c.notifiers, newNotifiers...)
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		finalChunk, err := c.engine.AdvanceRead(ctx, c.advancerRT, head)
		if err != nil {
			c.asyncErr = err
			c.notifiers = append(c.notifiers, newNotifiers...)
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		newChunk.Merge(finalChunk)
		target = head
	} else {
		head, err := c.engine.CurrentVersion(ctx)
		if err != nil {
			c.asyncErr = err
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		if head == c.mainRT.Version() {
			// Spurious wakeup: nothing new, and nothing to skip.
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		target = head
	}

	skip := c.skipVersion
	c.skipVersion = objectcore.VersionID{}
	snapshot := append([]notifier.Notifier(nil), c.notifiers...)

	c.notifierMu.Unlock()

	if !skip.IsZero() && !skip.Less(c.mainRT.Version()) && len(snapshot) > 0 {
		info, err := c.engine.AdvanceRead(ctx, c.mainRT, skip)
		if err != nil {
			c.notifierMu.Lock()
			c.asyncErr = err
			c.notifiers = append(c.notifiers, newNotifiers...)
			c.runDone.Broadcast()
			c.notifierMu.Unlock()
			return
		}
		c.runNotifiers(ctx, snapshot, info)
	}

	info, err := c.engine.AdvanceRead(ctx, c.mainRT, target)
	if err != nil {
		c.notifierMu.Lock()
		c.asyncErr = err
		c.notifiers = append(c.notifiers, newNotifiers...)
		c.runDone.Broadcast()
		c.notifierMu.Unlock()
		return
	}
	if newChunk != nil {
		info.Merge(newChunk)
	}

	c.runNotifiers(ctx, snapshot, info)
	for _, n := range newNotifiers {
		if err := n.AttachTo(c.mainRT); err != nil {
			c.logger.Warn().Err(err).Str("path", c.path).Msg("failed to attach new notifier")
			continue
		}
		if err := n.Run(); err != nil {
			c.logger.Warn().Err(err).Str("path", c.path).Msg("new notifier run failed")
			continue
		}
	}

	c.notifierMu.Lock()
	ready := make([]notifier.Notifier, 0, len(snapshot)+len(newNotifiers))
	for _, n := range snapshot {
		if n.IsAlive() {
			n.PrepareHandover()
			ready = append(ready, n)
		} else {
			n.ReleaseData()
		}
	}
	for _, n := range newNotifiers {
		if n.IsAlive() {
			n.PrepareHandover()
			ready = append(ready, n)
			c.notifiers = append(c.notifiers, n)
		} else {
			n.ReleaseData()
		}
	}
	c.notifiers = dropDead(c.notifiers)
	c.runDone.Broadcast()
	c.notifierMu.Unlock()

	deliverReady(ready)
}

// runNotifiers fans Run() out across every notifier concurrently via an
// errgroup, collecting the first error without aborting its siblings' runs,
// matching SPEC_FULL.md §11's rationale for using
// golang.org/x/sync/errgroup here: all notifiers in a run must be advanced
// before hand-over, but one notifier's storage error should not prevent its
// siblings from completing theirs.
func (c *Coordinator) runNotifiers(ctx context.Context, notifiers []notifier.Notifier, info *notifier.TransactionChangeInfo) {
	for _, n := range notifiers {
		n.AddRequiredChangeInfo(info)
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runNotifierConcurrency)
	for _, n := range notifiers {
		n := n
		g.Go(func() error {
			return n.Run()
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Str("path", c.path).Msg("notifier run reported an error")
	}
}

const runNotifierConcurrency = 8

// deliverReady groups ready notifiers by scheduler (SPEC_FULL.md §12's
// "per-scheduler grouping" supplement) so each scheduler receives a single
// batched notification per advancement rather than one call per notifier.
func deliverReady(ready []notifier.Notifier) {
	bySched := map[notifier.Scheduler][]notifier.Notifier{}
	for _, n := range ready {
		s := n.Scheduler()
		if s == nil {
			continue
		}
		bySched[s] = append(bySched[s], n)
	}
	for s, ns := range bySched {
		s.NotifyReady(ns)
	}
}

func (c *Coordinator) promoteNewLocked() {
	c.notifiers = append(c.notifiers, c.newNotifiers...)
	c.newNotifiers = nil
}

func dropDead(notifiers []notifier.Notifier) []notifier.Notifier {
	out := notifiers[:0]
	for _, n := range notifiers {
		if n.IsAlive() {
			out = append(out, n)
			continue
		}
		n.ReleaseData()
	}
	return out
}

// AdvanceToReady returns the recorded asynchronous error, wrapped in
// ErrAsyncFailure, if there is one. Otherwise, if any registered notifier
// belongs to handle, it waits until the next background run finishes. It
// delivers nothing itself and does not check which version that run
// reached.
func (c *Coordinator) AdvanceToReady(ctx context.Context, handle uintptr) errors.E {
	c.notifierMu.Lock()
	defer c.notifierMu.Unlock()

	if c.asyncErr != nil {
		return errors.WrapWith(errors.WithStack(c.asyncErr), ErrAsyncFailure)
	}

	pending := false
	for _, n := range c.notifiers {
		if n.IsForRealm(handle) {
			pending = true
			break
		}
	}
	if pending {
		c.runDone.Wait()
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	default:
		return nil
	}
}

// AdvanceToLatest behaves like AdvanceToReady but targets the storage
// engine's current head at the time of the call rather than only the
// versions handle's notifiers already happen to be pinned to: it wakes the
// background worker and blocks until the shared main read transaction has
// reached that head (SPEC_FULL.md §4.6 keeps a single main read transaction
// per Coordinator rather than one per handle, so there is nothing further
// to filter by handle here beyond what AdvanceToReady already filters).
func (c *Coordinator) AdvanceToLatest(ctx context.Context, handle uintptr) errors.E {
	head, err := c.engine.CurrentVersion(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	c.notifierMu.Lock()
	defer c.notifierMu.Unlock()

	if c.asyncErr != nil {
		return errors.WrapWith(errors.WithStack(c.asyncErr), ErrAsyncFailure)
	}

	c.wakeLocked()
	for c.asyncErr == nil && (c.mainRT == nil || c.mainRT.Version().Less(head)) {
		c.runDone.Wait()
	}
	if c.asyncErr != nil {
		return errors.WrapWith(errors.WithStack(c.asyncErr), ErrAsyncFailure)
	}

	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	default:
		return nil
	}
}

// PromoteToWrite packages handle's notifiers by waiting for any
// already-prepared notifications to be handed over (the same wait
// AdvanceToReady performs), then asks the storage engine to begin a write
// transaction, so the write observes those notifications as already
// delivered rather than racing with them.
func (c *Coordinator) PromoteToWrite(ctx context.Context, handle uintptr) (engine.WriteTransaction, errors.E) {
	if errE := c.AdvanceToReady(ctx, handle); errE != nil {
		return nil, errE
	}

	wt, err := c.engine.BeginWrite(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return wt, nil
}

// ProcessAvailableAsync delivers any already-prepared notifications for
// handle without advancing its read transaction, for callers that opted out
// of AutomaticChangeNotifications and poll instead.
func (c *Coordinator) ProcessAvailableAsync(handle uintptr) {
	c.notifierMu.Lock()
	ready := make([]notifier.Notifier, 0)
	for _, n := range c.notifiers {
		if n.IsForRealm(handle) && n.IsAlive() {
			ready = append(ready, n)
		}
	}
	c.notifierMu.Unlock()

	deliverReady(ready)
}

// resetRegistryForTests clears the process-wide coordinator registry. It is
// unexported and has no callers: this package's tests live in the external
// coordinator_test package, which cannot reach it. See SPEC_FULL.md §12.
func resetRegistryForTests() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[string]*Coordinator{}
}
