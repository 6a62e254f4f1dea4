package writeguard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/future"
	"github.com/lightningnetwork/lnwasm/monitoring"
	"github.com/lightningnetwork/lnwasm/store"
)

var (
	// ErrOrderingViolation is returned when a write's prerequisite failed
	// or was never durably written. The write is not attempted.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrMonitorInUse is returned when pruning a monitor whose channel
	// is still open or whose closure is within the safety margin.
	ErrMonitorInUse = errors.New("channel monitor still in use")

	// ErrGuardStopped is returned for writes submitted after Stop.
	ErrGuardStopped = errors.New("write guard stopped")
)

// Store is the subset of the durable store the Guard writes through.
type Store interface {
	Put(ctx context.Context, ns store.Namespace, key string,
		value []byte) error

	Get(ctx context.Context, ns store.Namespace, key string) ([]byte, error)

	GetEntry(ctx context.Context, ns store.Namespace,
		key string) (*store.Entry, error)

	Delete(ctx context.Context, ns store.Namespace, key string) error
}

// RecordKey addresses one record.
type RecordKey struct {
	Namespace store.Namespace
	Key       string
}

// String returns the key as namespace/key.
func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s", k.Namespace, k.Key)
}

// MonitorKey returns the record key of a channel's monitor.
func MonitorKey(id codec.ChannelID) RecordKey {
	return RecordKey{
		Namespace: store.NamespaceChannelMonitor,
		Key:       id.String(),
	}
}

// outcome is what a finished write left in the store.
type outcome uint8

const (
	// outcomeDurable means the record is durably present.
	outcomeDurable outcome = iota

	// outcomeAbsent means the record is durably absent.
	outcomeAbsent

	// outcomeFailed means the write failed and the record state is not
	// what the writer intended.
	outcomeFailed
)

// writeOp performs the store side of a pending write.
type writeOp func(ctx context.Context) (outcome, error)

// dependency is a prerequisite of a pending write. Either the write it waits
// for is still pending, or its state must be read from the store.
type dependency struct {
	key   RecordKey
	write *pendingWrite

	// last is the outcome of the most recent finished write to key at
	// submission time, if there was one.
	last fn.Option[outcome]
}

// pendingWrite is one in-flight write. Writes to the same key form a FIFO
// chain through prev.
type pendingWrite struct {
	key  RecordKey
	seq  uint64
	prev *pendingWrite
	deps []dependency
	op   writeOp

	promise future.Promise[uint64]

	// done is closed once result and err are set.
	done   chan struct{}
	result outcome
	err    error
}

// Guard orders writes to the store. Writes to one key are applied in
// submission order and a write with prerequisites is only attempted once all
// of them are durable. It is the only writer of the store.
type Guard struct {
	store   Store
	metrics *monitoring.Metrics

	gm *fn.GoroutineManager

	mu      sync.Mutex
	seq     uint64
	tails   map[RecordKey]*pendingWrite
	last    map[RecordKey]outcome
	pending int
	idle    chan struct{}
}

// New creates a Guard writing to s.
func New(s Store, metrics *monitoring.Metrics) *Guard {
	idle := make(chan struct{})
	close(idle)

	return &Guard{
		store:   s,
		metrics: metrics,
		gm:      fn.NewGoroutineManager(),
		tails:   make(map[RecordKey]*pendingWrite),
		last:    make(map[RecordKey]outcome),
		idle:    idle,
	}
}

// Commit durably writes rec at key. If precedes is set, the write waits for
// the latest write to that key and fails with ErrOrderingViolation if it did
// not leave a durable record.
//
// If ctx ends first Commit returns its error, but the write still completes.
func (g *Guard) Commit(ctx context.Context, key RecordKey, rec codec.Record,
	precedes fn.Option[RecordKey]) error {

	var prereqs []RecordKey
	precedes.WhenSome(func(k RecordKey) {
		prereqs = append(prereqs, k)
	})

	return g.CommitAfter(ctx, key, rec, prereqs...)
}

// CommitAfter is like Commit with any number of prerequisites.
func (g *Guard) CommitAfter(ctx context.Context, key RecordKey,
	rec codec.Record, prereqs ...RecordKey) error {

	return g.Submit(key, rec, prereqs...).Await(ctx).Err()
}

// Submit enqueues a write of rec without waiting for it. The returned
// future resolves to the write's sequence number once it is durable.
func (g *Guard) Submit(key RecordKey, rec codec.Record,
	prereqs ...RecordKey) future.Future[uint64] {

	value, err := codec.Encode(rec)
	if err != nil {
		// The failed write still takes its slot, so later writes
		// depending on key see it as not durable.
		err = fmt.Errorf("%v: %w", key, err)
		return g.submit(key, nil, func(context.Context) (outcome,
			error) {

			return outcomeFailed, err
		})
	}

	return g.submit(key, prereqs, func(ctx context.Context) (outcome,
		error) {

		err := g.store.Put(ctx, key.Namespace, key.Key, value)
		if err != nil {
			return outcomeFailed, err
		}

		return outcomeDurable, nil
	})
}

// Remove deletes the record at key, ordered after every write to it
// submitted earlier.
func (g *Guard) Remove(ctx context.Context, key RecordKey) error {
	fut := g.submit(key, nil, func(ctx context.Context) (outcome, error) {
		err := g.store.Delete(ctx, key.Namespace, key.Key)
		if err != nil {
			return outcomeFailed, err
		}

		return outcomeAbsent, nil
	})

	return fut.Await(ctx).Err()
}

// PruneMonitor deletes the monitor at key if its channel closed at least
// margin blocks below bestHeight. Otherwise it returns ErrMonitorInUse and
// leaves the record alone. The check runs in the key's FIFO slot, so it sees
// every write submitted before it.
func (g *Guard) PruneMonitor(ctx context.Context, key RecordKey, bestHeight,
	margin uint32) error {

	fut := g.submit(key, nil, func(ctx context.Context) (outcome, error) {
		raw, err := g.store.Get(ctx, key.Namespace, key.Key)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return outcomeAbsent, nil

		case err != nil:
			return outcomeFailed, err
		}

		monitor, err := codec.DecodeAs[*codec.ChannelMonitor](raw)
		if err != nil {
			return outcomeFailed, err
		}

		closedAt, err := monitor.ClosedAtHeight.UnwrapOrErr(
			fmt.Errorf("%w: channel %v open", ErrMonitorInUse,
				monitor.ChannelID),
		)
		if err != nil {
			return outcomeDurable, err
		}
		if uint64(bestHeight) < uint64(closedAt)+uint64(margin) {
			return outcomeDurable, fmt.Errorf("%w: channel %v closed "+
				"at %d, best height %d, margin %d",
				ErrMonitorInUse, monitor.ChannelID, closedAt,
				bestHeight, margin)
		}

		if err := g.store.Delete(ctx, key.Namespace, key.Key); err != nil {
			return outcomeFailed, err
		}

		log.Infof("Pruned monitor for channel %v closed at height %d",
			monitor.ChannelID, closedAt)

		return outcomeAbsent, nil
	})

	return fut.Await(ctx).Err()
}

// Load reads and decodes the record at key. Records written at an older
// codec version are re-encoded and written back in the background.
func (g *Guard) Load(ctx context.Context, key RecordKey) (codec.Record,
	error) {

	raw, err := g.store.Get(ctx, key.Namespace, key.Key)
	if err != nil {
		return nil, err
	}

	rec, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", key, err)
	}

	if codec.NeedsUpgrade(raw) {
		log.Infof("Rewriting %v at codec version %d", key,
			codec.CurrentVersion)

		g.Submit(key, rec).OnComplete(
			context.Background(), func(r fn.Result[uint64]) {
				if _, err := r.Unpack(); err != nil {
					log.Warnf("Unable to rewrite %v: %v",
						key, err)
				}
			},
		)
	}

	return rec, nil
}

func (g *Guard) submit(key RecordKey, prereqs []RecordKey,
	op writeOp) future.Future[uint64] {

	g.mu.Lock()

	g.seq++
	w := &pendingWrite{
		key:     key,
		seq:     g.seq,
		prev:    g.tails[key],
		op:      op,
		promise: future.NewPromise[uint64](),
		done:    make(chan struct{}),
	}
	for _, p := range prereqs {
		if p == key {
			continue
		}
		dep := dependency{
			key:   p,
			write: g.tails[p],
		}
		if last, ok := g.last[p]; ok {
			dep.last = fn.Some(last)
		}
		w.deps = append(w.deps, dep)
	}

	g.tails[key] = w
	if g.pending == 0 {
		g.idle = make(chan struct{})
	}
	g.pending++
	g.metrics.SetPendingWrites(g.pending)

	g.mu.Unlock()

	log.TraceS(context.Background(), "Write enqueued",
		"key", key.String(),
		"seq", w.seq,
		"prereqs", len(w.deps))

	// Writes are detached from every caller, so the goroutine context is
	// only used to refuse new work after Stop.
	started := g.gm.Go(context.Background(), func(ctx context.Context) {
		g.run(context.WithoutCancel(ctx), w)
	})
	if !started {
		// The chain must still advance in order.
		go func() {
			if w.prev != nil {
				<-w.prev.done
			}
			g.finish(w, outcomeFailed, ErrGuardStopped)
		}()
	}

	return w.promise.Future()
}

// run waits for the write's turn, checks its prerequisites and applies it.
func (g *Guard) run(ctx context.Context, w *pendingWrite) {
	if w.prev != nil {
		<-w.prev.done
	}

	for _, dep := range w.deps {
		if err := g.checkDependency(ctx, dep); err != nil {
			log.ErrorS(ctx, "Write refused", err,
				"key", w.key.String(),
				"prereq", dep.key.String(),
				"seq", w.seq)

			g.finish(w, outcomeFailed, err)

			return
		}
	}

	result, err := w.op(ctx)
	if err != nil && !errors.Is(err, ErrMonitorInUse) {
		log.ErrorS(ctx, "Write failed", err,
			"key", w.key.String(),
			"seq", w.seq)
	}

	g.finish(w, result, err)
}

// checkDependency returns nil if the prerequisite record is durable.
func (g *Guard) checkDependency(ctx context.Context, dep dependency) error {
	if dep.write != nil {
		<-dep.write.done
		if dep.write.result != outcomeDurable {
			return fmt.Errorf("%w: prerequisite %v (seq %d) not "+
				"durable: %v", ErrOrderingViolation, dep.key,
				dep.write.seq, dep.write.err)
		}

		return nil
	}

	if dep.last.IsSome() {
		if dep.last.UnwrapOr(outcomeFailed) != outcomeDurable {
			return fmt.Errorf("%w: prerequisite %v not durable",
				ErrOrderingViolation, dep.key)
		}

		return nil
	}

	// Nothing was written to the prerequisite in this process, so it
	// must already be in the store.
	_, err := g.store.GetEntry(ctx, dep.key.Namespace, dep.key.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: prerequisite %v absent",
			ErrOrderingViolation, dep.key)

	case err != nil:
		return err
	}

	return nil
}

func (g *Guard) finish(w *pendingWrite, result outcome, err error) {
	g.mu.Lock()

	w.result, w.err = result, err
	g.last[w.key] = result
	if g.tails[w.key] == w {
		delete(g.tails, w.key)
	}
	g.pending--
	g.metrics.SetPendingWrites(g.pending)
	if g.pending == 0 {
		close(g.idle)
	}

	g.mu.Unlock()

	close(w.done)

	if err != nil {
		w.promise.Complete(fn.Err[uint64](err))
		return
	}
	w.promise.Complete(fn.Ok(w.seq))
}

// Pending returns the number of writes not yet finished.
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.pending
}

// Quiesce waits until no writes are pending.
func (g *Guard) Quiesce(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.pending == 0 {
			g.mu.Unlock()
			return nil
		}
		idle := g.idle
		g.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop refuses new writes and waits for the running ones. Callers that need
// every write applied should Quiesce first.
func (g *Guard) Stop() {
	g.gm.Stop()
}
