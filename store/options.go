package store

import (
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnwasm/monitoring"
)

const (
	// DefaultDBFileName is the file name of the bolt database.
	DefaultDBFileName = "lnwasm.db"

	// DefaultListPageSize is the number of keys read per view transaction
	// while listing a namespace.
	DefaultListPageSize = 128
)

// Config describes where the bolt substrate lives.
//
//nolint:lll
type Config struct {
	DBPath         string        `long:"dir" description:"The directory holding the wallet database."`
	DBFileName     string        `long:"file" description:"The file name of the wallet database."`
	DBTimeout      time.Duration `long:"timeout" description:"How long to wait for the database lock held by another handle."`
	NoFreelistSync bool          `long:"no-freelist-sync" description:"Do not sync the bolt freelist to disk."`
	ListPageSize   int           `long:"list-page-size" description:"Number of keys read per transaction while listing a namespace."`
}

// DefaultConfig returns the default substrate configuration.
func DefaultConfig() *Config {
	return &Config{
		DBFileName:     DefaultDBFileName,
		DBTimeout:      kvdb.DefaultDBTimeout,
		NoFreelistSync: true,
		ListPageSize:   DefaultListPageSize,
	}
}

// BackendOpener opens the host transactional database.
type BackendOpener func() (kvdb.Backend, error)

// Options holds parameters for tuning and customizing a Store.
type Options struct {
	// opener opens the substrate, it defaults to a bolt backend built
	// from the Config.
	opener BackendOpener

	// integrityKey keys the envelope MAC. Without a key the MAC still
	// detects accidental corruption.
	integrityKey []byte

	// listPageSize overrides Config.ListPageSize when non-zero.
	listPageSize int

	metrics *monitoring.Metrics
}

// DefaultOptions returns an Options populated with default values.
func DefaultOptions() Options {
	return Options{}
}

// OptionModifier is a function signature for modifying the default Options.
type OptionModifier func(*Options)

// WithBackendOpener sets the function used to open the substrate.
func WithBackendOpener(opener BackendOpener) OptionModifier {
	return func(o *Options) {
		o.opener = opener
	}
}

// WithBackend uses an already opened backend as the substrate.
func WithBackend(db kvdb.Backend) OptionModifier {
	return WithBackendOpener(func() (kvdb.Backend, error) {
		return db, nil
	})
}

// WithIntegrityKey sets the key of the envelope MAC, at most 64 bytes.
func WithIntegrityKey(key []byte) OptionModifier {
	return func(o *Options) {
		o.integrityKey = key
	}
}

// WithListPageSize sets the number of keys read per listing transaction.
func WithListPageSize(n int) OptionModifier {
	return func(o *Options) {
		o.listPageSize = n
	}
}

// WithMetrics sets the collectors that store operations report to.
func WithMetrics(m *monitoring.Metrics) OptionModifier {
	return func(o *Options) {
		o.metrics = m
	}
}

// boltOpener returns the default opener for cfg.
func boltOpener(cfg *Config) BackendOpener {
	return func() (kvdb.Backend, error) {
		return kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
			DBPath:            cfg.DBPath,
			DBFileName:        cfg.DBFileName,
			NoFreelistSync:    cfg.NoFreelistSync,
			AutoCompact:       false,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         cfg.DBTimeout,
		})
	}
}
