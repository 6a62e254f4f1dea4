package store

import (
	"fmt"

	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// metaBucket stores the substrate schema version.
	metaBucket = []byte("lnwasm-meta")

	// dbVersionKey is the key of the schema version inside metaBucket.
	dbVersionKey = []byte("db-version")
)

// migration is a function which takes a prior outdated version of the
// substrate and mutates the bucket structure to arrive at a more up-to-date
// version.
type migration func(tx kvdb.RwTx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions is storing all versions of the substrate schema. If the stored
// version doesn't match the latest one, this list is used to retrieve all
// migrations that need to be applied. Record payloads are versioned
// separately by the codec and upgraded lazily on read.
var dbVersions = []version{
	{
		// The base version requires no migration.
		number:    0,
		migration: nil,
	},
	{
		// Channel state and wallet namespaces.
		number: 1,
		migration: createBuckets(
			NamespaceChannelMonitor, NamespaceChannelManager,
			NamespaceWalletMeta, NamespaceKeyMaterial,
		),
	},
	{
		// Remote authorization budgets and payment records.
		number: 2,
		migration: createBuckets(
			NamespaceAuthBudget, NamespacePaymentInfo,
		),
	},
}

func createBuckets(namespaces ...Namespace) migration {
	return func(tx kvdb.RwTx) error {
		for _, ns := range namespaces {
			_, err := tx.CreateTopLevelBucket(ns.bucketKey())
			if err != nil {
				return fmt.Errorf("create bucket %s: %w", ns,
					err)
			}
		}

		return nil
	}
}

func getLatestDBVersion(versions []version) uint32 {
	return versions[len(versions)-1].number
}

// getMigrationsToApply retrieves the migration functions that should be
// applied to a substrate at the given version.
func getMigrationsToApply(versions []version, current uint32) []migration {
	migrations := make([]migration, 0, len(versions))
	for _, v := range versions {
		if v.number > current {
			migrations = append(migrations, v.migration)
		}
	}

	return migrations
}

// fetchDBVersion reads the stored schema version, a missing meta bucket means
// a fresh substrate at version 0.
func fetchDBVersion(tx kvdb.RTx) (uint32, error) {
	meta := tx.ReadBucket(metaBucket)
	if meta == nil {
		return 0, nil
	}

	raw := meta.Get(dbVersionKey)
	switch {
	case raw == nil:
		return 0, nil

	case len(raw) != 4:
		return 0, fmt.Errorf("%w: schema version of %d bytes",
			ErrCorrupt, len(raw))
	}

	return byteOrder.Uint32(raw), nil
}

// syncVersions brings the substrate schema up to the latest version. All
// migrations run serially within a single transaction so an interrupted
// upgrade leaves the previous version intact. It returns the number of
// migrations applied.
func syncVersions(db kvdb.Backend, versions []version) (int, error) {
	latest := getLatestDBVersion(versions)

	var applied int
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		current, err := fetchDBVersion(tx)
		if err != nil {
			return err
		}

		switch {
		case current == latest:
			return nil

		case current > latest:
			return fmt.Errorf("%w: have %d, know %d",
				ErrDBReversion, current, latest)
		}

		for _, m := range getMigrationsToApply(versions, current) {
			if m == nil {
				continue
			}
			if err := m(tx); err != nil {
				return err
			}
			applied++
		}

		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		var buf [4]byte
		byteOrder.PutUint32(buf[:], latest)

		return meta.Put(dbVersionKey, buf[:])
	}, func() {
		applied = 0
	})

	return applied, err
}
