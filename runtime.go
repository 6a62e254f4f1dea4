// Package lnwasm is the persistence and scheduling core of an embedded
// Lightning wallet. A NodeRuntime owns the durable store, the ordered write
// path, the cooperative scheduler and the remote authorization gate, and
// drives an engine.Engine through them.
package lnwasm

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnwasm/authgate"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/engine"
	"github.com/lightningnetwork/lnwasm/future"
	"github.com/lightningnetwork/lnwasm/keychain"
	"github.com/lightningnetwork/lnwasm/keyseal"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/lightningnetwork/lnwasm/lnutils"
	"github.com/lightningnetwork/lnwasm/monitoring"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/lightningnetwork/lnwasm/store"
	"github.com/lightningnetwork/lnwasm/subscribe"
	"github.com/lightningnetwork/lnwasm/writeguard"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	chainSyncTask    = "chain-sync"
	monitorFlushTask = "monitor-flush"
	peerEventsTask   = "peer-events"
)

// integrityKeyLoc is the key whose private scalar keys the store's envelope
// MAC.
var integrityKeyLoc = keychain.KeyLocator{
	Family: keychain.KeyFamilySeal,
	Index:  1,
}

var (
	managerKey = writeguard.RecordKey{
		Namespace: store.NamespaceChannelManager,
		Key:       "manager",
	}

	walletMetaKey = writeguard.RecordKey{
		Namespace: store.NamespaceWalletMeta,
		Key:       "meta",
	}
)

func paymentKey(hash lntypes.Hash) writeguard.RecordKey {
	return writeguard.RecordKey{
		Namespace: store.NamespacePaymentInfo,
		Key:       hash.String(),
	}
}

func keyMaterialKey(loc keychain.KeyLocator) writeguard.RecordKey {
	return writeguard.RecordKey{
		Namespace: store.NamespaceKeyMaterial,
		Key:       fmt.Sprintf("%d/%d", loc.Family, loc.Index),
	}
}

func budgetKey(requester [33]byte) writeguard.RecordKey {
	return writeguard.RecordKey{
		Namespace: store.NamespaceAuthBudget,
		Key:       hex.EncodeToString(requester[:]),
	}
}

// Dependencies are the collaborators a NodeRuntime is built from.
type Dependencies struct {
	// Engine is the Lightning protocol engine. It is required.
	Engine engine.Engine

	// KeyRing, if set, keys the store's integrity MAC, seals key
	// material and signs remote sign_message requests with the node key.
	KeyRing keychain.SecretKeyRing

	// Backend, if set, replaces the bolt database described by the
	// config.
	Backend kvdb.Backend

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Housekeeping defaults to a ticker at the configured interval.
	Housekeeping ticker.Ticker

	// Registerer, if set, receives the runtime's prometheus collectors.
	Registerer prometheus.Registerer
}

// NodeRuntime ties the store, the write guard, the scheduler and the
// authorization gate together around an engine.
type NodeRuntime struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg     *Config
	engine  engine.Engine
	keyRing keychain.SecretKeyRing
	clock   clock.Clock

	store       *store.Store
	guard       *writeguard.Guard
	sched       *scheduler.Scheduler
	gate        *authgate.Gate
	completions *subscribe.Server[Completion]
	sealer      *keyseal.Sealer

	// callbacks counts remote request completions still to run.
	callbacks sync.WaitGroup

	mu sync.Mutex

	// budgetWrites holds the latest snapshot write per requester.
	budgetWrites map[[33]byte]budgetWrite

	// dirtyBudgets holds the requesters whose latest snapshot write
	// failed.
	dirtyBudgets map[[33]byte]struct{}

	// halted maps channels whose monitor writes broke ordering to the
	// error that halted them.
	halted map[codec.ChannelID]error

	// pendingAcks holds the latest durable monitor update per channel
	// not yet acknowledged to the engine.
	pendingAcks map[codec.ChannelID]uint64

	// closed holds channels with a closed monitor still in the store.
	closed map[codec.ChannelID]struct{}

	bestHeight  uint32
	lastSyncErr error
}

// budgetWrite is a queued budget snapshot write.
type budgetWrite struct {
	seq uint64
	fut future.Future[uint64]
}

// New creates a runtime. Nothing is opened until Start.
func New(cfg *Config, deps Dependencies) (*NodeRuntime, error) {
	if deps.Engine == nil {
		return nil, errors.New("runtime needs an engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	housekeeping := deps.Housekeeping
	if housekeeping == nil {
		housekeeping = ticker.New(cfg.Scheduler.Housekeeping)
	}

	var (
		metrics *monitoring.Metrics
		err     error
	)
	if deps.Registerer != nil {
		metrics, err = monitoring.New(deps.Registerer)
		if err != nil {
			return nil, err
		}
	}

	modifiers := []store.OptionModifier{store.WithMetrics(metrics)}
	if deps.Backend != nil {
		modifiers = append(modifiers, store.WithBackend(deps.Backend))
	}

	r := &NodeRuntime{
		cfg:         cfg,
		engine:      deps.Engine,
		keyRing:     deps.KeyRing,
		clock:       clk,
		completions: subscribe.NewServer[Completion](),
		halted:      make(map[codec.ChannelID]error),
		pendingAcks: make(map[codec.ChannelID]uint64),
		closed:      make(map[codec.ChannelID]struct{}),

		budgetWrites: make(map[[33]byte]budgetWrite),
		dirtyBudgets: make(map[[33]byte]struct{}),
	}

	if deps.KeyRing != nil {
		integrityKey, err := deps.KeyRing.DerivePrivKey(
			keychain.KeyDescriptor{KeyLocator: integrityKeyLoc},
		)
		if err != nil {
			return nil, fmt.Errorf("unable to derive integrity "+
				"key: %w", err)
		}

		modifiers = append(
			modifiers, store.WithIntegrityKey(integrityKey.Serialize()),
		)
		r.sealer = keyseal.New(deps.KeyRing)
	}

	r.store, err = store.New(cfg.DB, modifiers...)
	if err != nil {
		return nil, err
	}
	r.guard = writeguard.New(r.store, metrics)

	r.sched = scheduler.New(scheduler.Config{
		Clock:          clk,
		Housekeeping:   housekeeping,
		BackoffInitial: cfg.Scheduler.BackoffInitial,
		BackoffMax:     cfg.Scheduler.BackoffMax,
		Metrics:        metrics,
	})

	r.gate = authgate.New(authgate.Config{
		Clock:       clk,
		GlobalRate:  rate.Limit(cfg.AuthGate.GlobalRate),
		GlobalBurst: cfg.AuthGate.GlobalBurst,
		TaskTimeout: cfg.AuthGate.TaskTimeout,
		Factories:   r.remoteFactories(),
		OnChange:    r.persistBudget,
		Metrics:     metrics,
	})

	return r, nil
}

// Start opens the store, restores the persisted state, arms the background
// tasks and starts the scheduler.
func (r *NodeRuntime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	log.InfoS(ctx, "Runtime starting", "network", r.cfg.Network)

	if err := r.store.Open(ctx); err != nil {
		return fmt.Errorf("unable to open store: %w", err)
	}

	if err := r.restore(ctx); err != nil {
		return fmt.Errorf("unable to restore state: %w", err)
	}

	budgets, err := r.cfg.AuthGate.Budgets()
	if err != nil {
		return err
	}
	for _, b := range budgets {
		if err := r.gate.Register(b); err != nil {
			return err
		}
	}

	if err := r.gate.Start(); err != nil {
		return err
	}
	if err := r.completions.Start(); err != nil {
		return err
	}

	recurring := []scheduler.Recurring{
		{
			Name:     chainSyncTask,
			Interval: r.cfg.Scheduler.ChainSyncInterval,
			Handler:  r.syncToChain,
		},
		{
			Name:     monitorFlushTask,
			Interval: r.cfg.Scheduler.MonitorFlushInterval,
			Handler:  r.flushMonitors,
		},
		{
			Name:     peerEventsTask,
			Interval: r.cfg.Scheduler.PeerEventInterval,
			Handler:  r.processPeerEvents,
		},
	}
	for _, task := range recurring {
		if _, err := r.sched.AddRecurring(task); err != nil {
			return err
		}
	}

	if err := r.sched.Start(); err != nil {
		return err
	}

	log.InfoS(ctx, "Runtime started", "best_height", r.BestHeight(),
		"budgets", len(budgets))

	return nil
}

// restore loads the budgets, the manager's best height and the closed
// monitors concurrently.
func (r *NodeRuntime) restore(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.restoreBudgets(gctx)
	})
	g.Go(func() error {
		return r.restoreManager(gctx)
	})
	g.Go(func() error {
		return r.scanMonitors(gctx)
	})

	return g.Wait()
}

func (r *NodeRuntime) restoreBudgets(ctx context.Context) error {
	var n int
	for key, err := range r.store.ListKeys(ctx, store.NamespaceAuthBudget) {
		if err != nil {
			return err
		}

		rec, err := r.guard.Load(ctx, writeguard.RecordKey{
			Namespace: store.NamespaceAuthBudget,
			Key:       key,
		})
		if err != nil {
			return err
		}

		snap, ok := rec.(*codec.BudgetSnapshot)
		if !ok {
			return fmt.Errorf("%w: %v at %v", codec.ErrMalformed,
				rec.Kind(), key)
		}

		if err := r.gate.Restore(snap); err != nil {
			return err
		}
		n++
	}

	log.DebugS(ctx, "Restored budgets", "count", n)

	return nil
}

func (r *NodeRuntime) restoreManager(ctx context.Context) error {
	rec, err := r.guard.Load(ctx, managerKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil

	case err != nil:
		return err
	}

	manager, ok := rec.(*codec.ChannelManager)
	if !ok {
		return fmt.Errorf("%w: %v at %v", codec.ErrMalformed,
			rec.Kind(), managerKey)
	}

	r.raiseBestHeight(manager.BestBlockHeight)

	return nil
}

func (r *NodeRuntime) scanMonitors(ctx context.Context) error {
	for key, err := range r.store.ListKeys(
		ctx, store.NamespaceChannelMonitor,
	) {
		if err != nil {
			return err
		}

		rec, err := r.guard.Load(ctx, writeguard.RecordKey{
			Namespace: store.NamespaceChannelMonitor,
			Key:       key,
		})
		if err != nil {
			return err
		}

		monitor, ok := rec.(*codec.ChannelMonitor)
		if !ok {
			return fmt.Errorf("%w: %v at %v", codec.ErrMalformed,
				rec.Kind(), key)
		}

		if monitor.ClosedAtHeight.IsSome() {
			r.mu.Lock()
			r.closed[monitor.ChannelID] = struct{}{}
			r.mu.Unlock()
		}
	}

	return nil
}

// Stop stops the scheduler and the gate, waits for every pending write and
// closes the store.
func (r *NodeRuntime) Stop(ctx context.Context) error {
	if !r.started.Load() {
		return ErrNotStarted
	}
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.InfoS(ctx, "Runtime stopping")

	var errs []error
	if err := r.sched.Stop(); err != nil {
		errs = append(errs, err)
	}

	// Completions may still refund, and resets may still fire. Both
	// queue budget writes that must be drained below.
	r.callbacks.Wait()
	if err := r.gate.Stop(); err != nil {
		errs = append(errs, err)
	}

	if err := r.guard.Quiesce(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unable to drain writes: %w",
			err))
	}
	if err := r.completions.Stop(); err != nil {
		errs = append(errs, err)
	}
	r.guard.Stop()
	if err := r.store.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Scheduler returns the runtime's scheduler, for Info and Cancel.
func (r *NodeRuntime) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// Gate returns the runtime's authorization gate, for budget management.
func (r *NodeRuntime) Gate() *authgate.Gate {
	return r.gate
}

// BestHeight returns the highest block height a durable manager or wallet
// meta record was synced to.
func (r *NodeRuntime) BestHeight() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.bestHeight
}

// HaltedChannels returns the channels refusing further actions.
func (r *NodeRuntime) HaltedChannels() []codec.ChannelID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]codec.ChannelID, 0, len(r.halted))
	for id := range r.halted {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareChannelIDs)

	return ids
}

func compareChannelIDs(a, b codec.ChannelID) int {
	return bytes.Compare(a[:], b[:])
}

func (r *NodeRuntime) raiseBestHeight(height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bestHeight = max(r.bestHeight, height)
}

// haltChannels stops every action on ids.
func (r *NodeRuntime) haltChannels(ids []codec.ChannelID, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if _, ok := r.halted[id]; ok {
			continue
		}
		r.halted[id] = cause

		log.Errorf("Channel %v halted: %v", id, cause)
	}
}

// checkHalted returns ErrChannelHalted if any of ids is halted, or with no
// ids, if any channel is.
func (r *NodeRuntime) checkHalted(ids ...codec.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(ids) == 0 {
		for id, cause := range r.halted {
			return fmt.Errorf("%w: %v: %w", ErrChannelHalted, id,
				cause)
		}

		return nil
	}

	for _, id := range ids {
		if cause, ok := r.halted[id]; ok {
			return fmt.Errorf("%w: %v: %w", ErrChannelHalted, id,
				cause)
		}
	}

	return nil
}

// checkReady fails fast for payments while a channel is halted or the
// chain sync is failing.
func (r *NodeRuntime) checkReady() error {
	if err := r.checkHalted(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastSyncErr != nil {
		return fmt.Errorf("%w: %w", ErrChainSync, r.lastSyncErr)
	}

	return nil
}

// monitorDurable queues the ack of a written monitor update.
func (r *NodeRuntime) monitorDurable(m *codec.ChannelMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.UpdateID >= r.pendingAcks[m.ChannelID] {
		r.pendingAcks[m.ChannelID] = m.UpdateID
	}
	if m.ClosedAtHeight.IsSome() {
		r.closed[m.ChannelID] = struct{}{}
	}
}

// applyDelta persists delta in the order the engine relies on: monitors
// first, then the manager once every monitor of the delta is durable. It
// suspends tc while the writes run.
func (r *NodeRuntime) applyDelta(tc *scheduler.TaskContext,
	delta *engine.Delta) error {

	if delta == nil {
		return nil
	}

	ids := delta.ChannelIDs()
	if err := r.checkHalted(ids...); err != nil {
		return err
	}

	log.Tracef("Applying delta: %v", lnutils.SpewLogClosure(delta))

	monitorKeys := lnutils.Map(delta.Monitors,
		func(m *codec.ChannelMonitor) writeguard.RecordKey {
			return writeguard.MonitorKey(m.ChannelID)
		},
	)
	monitorFuts := make([]future.Future[uint64], 0, len(delta.Monitors))
	for i, m := range delta.Monitors {
		monitorFuts = append(monitorFuts, r.guard.Submit(monitorKeys[i], m))
	}

	managerFut := fn.MapOption(
		func(m *codec.ChannelManager) future.Future[uint64] {
			return r.guard.Submit(managerKey, m, monitorKeys...)
		},
	)(delta.Manager)

	var others []future.Future[uint64]
	delta.WalletMeta.WhenSome(func(m *codec.WalletMeta) {
		others = append(others, r.guard.Submit(walletMetaKey, m))
	})
	for _, p := range delta.Payments {
		others = append(others, r.guard.Submit(paymentKey(p.Hash), p))
	}

	return tc.Await(func(ctx context.Context) error {
		var errs []error
		for i, fut := range monitorFuts {
			if _, err := fut.Await(ctx).Unpack(); err != nil {
				errs = append(errs, err)
				continue
			}

			r.monitorDurable(delta.Monitors[i])
		}

		managerFut.WhenSome(func(fut future.Future[uint64]) {
			_, err := fut.Await(ctx).Unpack()
			switch {
			case errors.Is(err, writeguard.ErrOrderingViolation):
				r.haltChannels(ids, err)
				errs = append(errs, err)

			case err != nil:
				errs = append(errs, err)

			default:
				delta.Manager.WhenSome(
					func(m *codec.ChannelManager) {
						r.raiseBestHeight(
							m.BestBlockHeight,
						)
					},
				)
			}
		})

		if _, err := future.AwaitAll(ctx, others...); err != nil {
			errs = append(errs, err)
		}
		delta.WalletMeta.WhenSome(func(m *codec.WalletMeta) {
			if len(errs) == 0 {
				r.raiseBestHeight(m.SyncedHeight)
			}
		})

		return errors.Join(errs...)
	})
}

// syncToChain is the chain-sync task. Its most recent error is kept so that
// payments fail fast while the engine may be behind the chain.
func (r *NodeRuntime) syncToChain(tc *scheduler.TaskContext) error {
	delta, err := scheduler.Await(tc, r.engine.SyncToChain)

	r.mu.Lock()
	r.lastSyncErr = err
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("unable to sync to chain: %w", err)
	}

	return r.applyDelta(tc, delta)
}

// processPeerEvents is the peer-events task.
func (r *NodeRuntime) processPeerEvents(tc *scheduler.TaskContext) error {
	delta, err := scheduler.Await(tc, r.engine.ProcessPeerEvent)
	if err != nil {
		return fmt.Errorf("unable to process peer events: %w", err)
	}
	if delta.IsEmpty() {
		return nil
	}

	return r.applyDelta(tc, delta)
}

// flushMonitors is the monitor-flush task. It tells the engine which
// monitor updates are durable and prunes closed monitors past the safety
// margin.
func (r *NodeRuntime) flushMonitors(tc *scheduler.TaskContext) error {
	acks := r.takeAcks()
	if len(acks) > 0 {
		err := tc.Await(func(ctx context.Context) error {
			return r.engine.MonitorsPersisted(ctx, acks)
		})
		if err != nil {
			r.requeueAcks(acks)

			return fmt.Errorf("unable to ack %d monitors: %w",
				len(acks), err)
		}

		log.Debugf("Acked %d durable monitor updates", len(acks))
	}

	if err := r.pruneMonitors(tc); err != nil {
		return err
	}

	return r.resyncBudgets(tc)
}

func (r *NodeRuntime) takeAcks() []engine.MonitorAck {
	r.mu.Lock()
	defer r.mu.Unlock()

	acks := make([]engine.MonitorAck, 0, len(r.pendingAcks))
	for id, updateID := range r.pendingAcks {
		acks = append(acks, engine.MonitorAck{
			ChannelID: id,
			UpdateID:  updateID,
		})
	}
	clear(r.pendingAcks)

	slices.SortFunc(acks, func(a, b engine.MonitorAck) int {
		return compareChannelIDs(a.ChannelID, b.ChannelID)
	})

	return acks
}

// requeueAcks puts back acks the engine did not take, unless a newer update
// of the channel became durable meanwhile.
func (r *NodeRuntime) requeueAcks(acks []engine.MonitorAck) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ack := range acks {
		if ack.UpdateID >= r.pendingAcks[ack.ChannelID] {
			r.pendingAcks[ack.ChannelID] = ack.UpdateID
		}
	}
}

func (r *NodeRuntime) pruneMonitors(tc *scheduler.TaskContext) error {
	r.mu.Lock()
	bestHeight := r.bestHeight
	candidates := make([]codec.ChannelID, 0, len(r.closed))
	for id := range r.closed {
		candidates = append(candidates, id)
	}
	r.mu.Unlock()

	slices.SortFunc(candidates, compareChannelIDs)

	for _, id := range candidates {
		err := tc.Await(func(ctx context.Context) error {
			return r.guard.PruneMonitor(
				ctx, writeguard.MonitorKey(id), bestHeight,
				r.cfg.Safety.MonitorMargin,
			)
		})
		switch {
		case errors.Is(err, writeguard.ErrMonitorInUse):
			continue

		case err != nil:
			return fmt.Errorf("unable to prune monitor %v: %w", id,
				err)
		}

		r.mu.Lock()
		delete(r.closed, id)
		r.mu.Unlock()
	}

	return nil
}

// persistBudget writes a budget snapshot without waiting for it. The gate
// calls it in mutation order, so the write queue keeps the newest snapshot
// last. If that last write fails the budget is marked dirty and written
// again by the monitor flush.
func (r *NodeRuntime) persistBudget(snap *codec.BudgetSnapshot) {
	requester := snap.RequesterKey
	key := budgetKey(requester)
	fut := r.guard.Submit(key, snap)

	r.mu.Lock()
	w := budgetWrite{seq: r.budgetWrites[requester].seq + 1, fut: fut}
	r.budgetWrites[requester] = w
	r.mu.Unlock()

	fut.OnComplete(context.Background(), func(res fn.Result[uint64]) {
		err := res.Err()

		r.mu.Lock()
		if r.budgetWrites[requester].seq == w.seq {
			if err != nil {
				r.dirtyBudgets[requester] = struct{}{}
			} else {
				delete(r.dirtyBudgets, requester)
			}
		}
		r.mu.Unlock()

		if err != nil {
			log.Errorf("Unable to persist budget %v: %v", key, err)
		}
	})
}

// resyncBudgets writes the current snapshot of every dirty budget and waits
// for the writes.
func (r *NodeRuntime) resyncBudgets(tc *scheduler.TaskContext) error {
	r.mu.Lock()
	dirty := slices.Collect(maps.Keys(r.dirtyBudgets))
	r.mu.Unlock()

	for _, requester := range dirty {
		pub, err := btcec.ParsePubKey(requester[:])
		if err != nil {
			return err
		}

		// The gate's lock is taken before ours, so ours must not be
		// held here.
		if err := r.gate.Resync(pub); err != nil {
			return err
		}

		r.mu.Lock()
		fut := r.budgetWrites[requester].fut
		r.mu.Unlock()

		err = tc.Await(func(ctx context.Context) error {
			return fut.Await(ctx).Err()
		})
		if err != nil {
			return fmt.Errorf("unable to persist budget %x: %w",
				requester[:], err)
		}

		log.Infof("Persisted budget %x after an earlier failure",
			requester[:])
	}

	return nil
}
