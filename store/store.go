package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnwasm/future"
)

// Entry is a stored payload together with its per-key revision.
type Entry struct {
	// Value is the payload exactly as it was put.
	Value []byte

	// Revision increases by at least one on every successful put to the
	// key.
	Revision uint64
}

// Store is the durable, namespaced key-value store. It is the only owner of
// the on-disk bytes. The substrate is opened lazily on first use or by Open,
// exactly once, and every concurrent caller shares that single open.
type Store struct {
	cfg  *Config
	opts Options

	sealer *sealer

	mu     sync.Mutex
	opened future.Future[kvdb.Backend]

	closed atomic.Bool
}

// New creates a store over the substrate described by cfg. Nothing is opened
// until Open or the first operation.
func New(cfg *Config, modifiers ...OptionModifier) (*Store, error) {
	opts := DefaultOptions()
	for _, modifier := range modifiers {
		modifier(&opts)
	}

	if opts.opener == nil {
		opts.opener = boltOpener(cfg)
	}
	if opts.listPageSize == 0 {
		opts.listPageSize = cfg.ListPageSize
	}
	if opts.listPageSize <= 0 {
		opts.listPageSize = DefaultListPageSize
	}

	s, err := newSealer(opts.integrityKey)
	if err != nil {
		return nil, err
	}

	return &Store{
		cfg:    cfg,
		opts:   opts,
		sealer: s,
	}, nil
}

// Open opens the substrate and applies substrate schema migrations. The first
// caller performs the open, every other caller awaits the same result. A
// failed open is not retried, a new Store is needed for that.
//
// The open itself runs to completion even if ctx expires, in which case only
// this caller stops waiting.
func (s *Store) Open(ctx context.Context) error {
	_, err := s.db(ctx)
	return err
}

// db returns the opened backend, opening it if needed.
func (s *Store) db(ctx context.Context) (kvdb.Backend, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable,
			ErrStoreClosed)
	}

	s.mu.Lock()
	fut := s.opened
	var promise future.Promise[kvdb.Backend]
	if fut == nil {
		promise = future.NewPromise[kvdb.Backend]()
		fut = promise.Future()
		s.opened = fut
	}
	s.mu.Unlock()

	if promise != nil {
		promise.Complete(s.open())
	}

	return fut.Await(ctx).Unpack()
}

// open performs the one-time substrate open.
func (s *Store) open() fn.Result[kvdb.Backend] {
	start := time.Now()

	db, err := s.opts.opener()
	if err != nil {
		log.Errorf("Unable to open substrate: %v", err)

		return fn.Err[kvdb.Backend](
			fmt.Errorf("%w: open: %w", ErrStorageUnavailable, err),
		)
	}

	applied, err := syncVersions(db, dbVersions)
	if err != nil {
		_ = db.Close()
		log.Errorf("Unable to migrate substrate: %v", err)

		return fn.Err[kvdb.Backend](
			fmt.Errorf("%w: migrate: %w", ErrStorageUnavailable,
				err),
		)
	}

	log.Infof("Store opened in %v, applied %d substrate migrations "+
		"(schema version %d)", time.Since(start), applied,
		getLatestDBVersion(dbVersions))

	return fn.Ok(db)
}

// Close closes the substrate. Operations after Close fail with
// ErrStorageUnavailable.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	fut := s.opened
	s.mu.Unlock()

	if fut == nil {
		return nil
	}

	// An open still in flight always resolves the future.
	<-fut.Done()

	db, err := fut.Await(context.Background()).Unpack()
	if err != nil {
		return nil
	}

	log.Info("Closing store")

	return db.Close()
}

// Put atomically replaces the value at (ns, key). A reader never observes a
// partially written value.
func (s *Store) Put(ctx context.Context, ns Namespace, key string,
	value []byte) error {

	return s.put(ctx, "put", ns, key, value, fn.None[uint64]())
}

// PutVersioned writes value at an explicit revision. It fails with
// ErrStaleVersion unless version is greater than the stored revision.
func (s *Store) PutVersioned(ctx context.Context, ns Namespace, key string,
	value []byte, version uint64) error {

	return s.put(ctx, "put_versioned", ns, key, value, fn.Some(version))
}

func (s *Store) put(ctx context.Context, op string, ns Namespace, key string,
	value []byte, version fn.Option[uint64]) (err error) {

	start := time.Now()
	defer func() {
		s.opts.metrics.ObserveStoreOp(op, start, err)
	}()

	if err := validateKey(ns, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := s.db(ctx)
	if err != nil {
		return err
	}

	var revision uint64
	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(ns.bucketKey())
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
		}

		var prev uint64
		if raw := bucket.Get([]byte(key)); raw != nil {
			rev, _, openErr := s.sealer.open(ns, key, raw)
			if openErr != nil {
				return openErr
			}
			prev = rev
		}

		revision = prev + 1
		if version.IsSome() {
			want := version.UnwrapOr(0)
			if want <= prev {
				return fmt.Errorf("%w: %s/%s at revision %d, "+
					"got %d", ErrStaleVersion, ns, key,
					prev, want)
			}
			revision = want
		}

		return bucket.Put(
			[]byte(key), s.sealer.seal(ns, key, revision, value),
		)
	}, func() {
		revision = 0
	})
	if err != nil {
		return mapErr(err)
	}

	log.TraceS(ctx, "Record written",
		"namespace", string(ns),
		"key", key,
		"revision", revision,
		"size", len(value))

	return nil
}

// Get returns the value stored at (ns, key). It returns ErrNotFound for a
// missing key and ErrCorrupt if the stored bytes fail verification.
func (s *Store) Get(ctx context.Context, ns Namespace,
	key string) ([]byte, error) {

	entry, err := s.getEntry(ctx, "get", ns, key)
	if err != nil {
		return nil, err
	}

	return entry.Value, nil
}

// GetEntry is like Get but also returns the revision of the value.
func (s *Store) GetEntry(ctx context.Context, ns Namespace,
	key string) (*Entry, error) {

	return s.getEntry(ctx, "get_entry", ns, key)
}

func (s *Store) getEntry(ctx context.Context, op string, ns Namespace,
	key string) (entry *Entry, err error) {

	start := time.Now()
	defer func() {
		// A missing key is an answer, not a failed operation.
		if errors.Is(err, ErrNotFound) {
			s.opts.metrics.ObserveStoreOp(op, start, nil)
			return
		}
		s.opts.metrics.ObserveStoreOp(op, start, err)
	}()

	if err := validateKey(ns, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	err = kvdb.View(db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(ns.bucketKey())
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
		}

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
		}

		revision, value, err := s.sealer.open(ns, key, raw)
		if err != nil {
			log.Errorf("Integrity failure: %v", err)
			return err
		}

		entry = &Entry{
			Value:    value,
			Revision: revision,
		}

		return nil
	}, func() {
		entry = nil
	})
	if err != nil {
		return nil, mapErr(err)
	}

	return entry, nil
}

// Delete removes the value at (ns, key). Deleting a missing key succeeds.
func (s *Store) Delete(ctx context.Context, ns Namespace,
	key string) (err error) {

	start := time.Now()
	defer func() {
		s.opts.metrics.ObserveStoreOp("delete", start, err)
	}()

	if err := validateKey(ns, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := s.db(ctx)
	if err != nil {
		return err
	}

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(ns.bucketKey())
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
		}

		return bucket.Delete([]byte(key))
	}, func() {})

	return mapErr(err)
}

// ListKeys returns the keys of a namespace in byte order. The sequence is
// lazy: keys are read one page per view transaction, so no transaction is
// held while the caller processes a key. An error ends the sequence.
func (s *Store) ListKeys(ctx context.Context,
	ns Namespace) iter.Seq2[string, error] {

	return s.listKeys(ctx, ns, fn.None[string]())
}

// ListKeysAfter is like ListKeys but starts after the given key, which lets a
// caller restart an interrupted listing from the last key it processed.
func (s *Store) ListKeysAfter(ctx context.Context, ns Namespace,
	after string) iter.Seq2[string, error] {

	return s.listKeys(ctx, ns, fn.Some(after))
}

func (s *Store) listKeys(ctx context.Context, ns Namespace,
	after fn.Option[string]) iter.Seq2[string, error] {

	return func(yield func(string, error) bool) {
		cursor := after
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			page, err := s.keyPage(ctx, ns, cursor)
			if err != nil {
				yield("", err)
				return
			}

			for _, key := range page {
				if !yield(key, nil) {
					return
				}
			}

			if len(page) < s.opts.listPageSize {
				return
			}
			cursor = fn.Some(page[len(page)-1])
		}
	}
}

// keyPage reads at most one page of keys following the cursor.
func (s *Store) keyPage(ctx context.Context, ns Namespace,
	after fn.Option[string]) ([]string, error) {

	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = kvdb.View(db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(ns.bucketKey())
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
		}

		c := bucket.ReadCursor()

		var k []byte
		if after.IsSome() {
			start := after.UnwrapOr("")
			k, _ = c.Seek([]byte(start))
			if k != nil && string(k) == start {
				k, _ = c.Next()
			}
		} else {
			k, _ = c.First()
		}

		for ; k != nil && len(keys) < s.opts.listPageSize; k, _ = c.Next() {
			keys = append(keys, string(k))
		}

		return nil
	}, func() {
		keys = nil
	})
	if err != nil {
		return nil, mapErr(err)
	}

	return keys, nil
}
