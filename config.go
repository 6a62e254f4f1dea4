package lnwasm

import (
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnwasm/authgate"
	"github.com/lightningnetwork/lnwasm/build"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/lightningnetwork/lnwasm/lnutils"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/lightningnetwork/lnwasm/store"
)

const (
	defaultConfigFilename = "lnwasm.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultNetwork        = "mainnet"

	// DefaultPaymentTimeout bounds a payment from submission to a final
	// HTLC status.
	DefaultPaymentTimeout = 30 * time.Second

	// DefaultPaymentPollInterval is the delay between status lookups of
	// an in-flight payment.
	DefaultPaymentPollInterval = 500 * time.Millisecond

	// DefaultChainSyncInterval is the delay between chain syncs.
	DefaultChainSyncInterval = 30 * time.Second

	// DefaultMonitorFlushInterval is the delay between monitor acks to
	// the engine.
	DefaultMonitorFlushInterval = time.Second

	// DefaultPeerEventInterval is the delay between peer event polls.
	DefaultPeerEventInterval = 100 * time.Millisecond

	// DefaultMonitorSafetyMargin is the number of blocks a closed
	// channel's monitor is kept after the closure confirmed.
	DefaultMonitorSafetyMargin = 4032
)

var (
	defaultAppDir     = btcutil.AppDataDir("lnwasm", false)
	defaultConfigFile = filepath.Join(defaultAppDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultAppDir, defaultDataDirname)
)

// SchedulerConfig holds the scheduler and recurring task parameters.
//
//nolint:lll
type SchedulerConfig struct {
	BackoffInitial       time.Duration `long:"backoff-initial" description:"The first retry delay of a failed background task."`
	BackoffMax           time.Duration `long:"backoff-max" description:"The maximum retry delay of a failed background task."`
	Housekeeping         time.Duration `long:"housekeeping" description:"How often task deadlines are checked."`
	ChainSyncInterval    time.Duration `long:"chain-sync-interval" description:"The delay between chain syncs."`
	MonitorFlushInterval time.Duration `long:"monitor-flush-interval" description:"The delay between acknowledging durable channel monitors to the engine."`
	PeerEventInterval    time.Duration `long:"peer-event-interval" description:"The delay between peer event polls."`
}

// AuthGateConfig holds the limits applied to remote requests.
//
//nolint:lll
type AuthGateConfig struct {
	GlobalRate  float64       `long:"global-rate" description:"Admissions per second across all requesters, zero disables the limit."`
	GlobalBurst int           `long:"global-burst" description:"The number of admissions allowed at once across all requesters."`
	TaskTimeout time.Duration `long:"task-timeout" description:"The deadline of admitted remote requests."`

	Requesters    []string      `long:"requester" description:"The hex encoded public key of a requester granted the default budget. Can be given multiple times."`
	Ceiling       uint64        `long:"budget-msat" description:"The amount in millisatoshi each requester may spend within the budget window."`
	Window        time.Duration `long:"budget-window" description:"The sliding window of the spending budget, zero keeps debits until a reset."`
	MaxRequests   uint32        `long:"max-requests" description:"The number of requests each requester may make within the rate window, zero disables the limit."`
	RateWindow    time.Duration `long:"rate-window" description:"The sliding window of the request limit."`
	Permissions   []string      `long:"permission" description:"A method requesters may call, all methods if unset. Can be given multiple times."`
	ResetSchedule string        `long:"reset-schedule" description:"A cron expression that clears every budget, for example @daily."`
}

// SafetyConfig holds the monitor retention parameters.
//
//nolint:lll
type SafetyConfig struct {
	MonitorMargin uint32 `long:"monitor-margin" description:"The number of blocks a closed channel's monitor is kept after the closure confirmed."`
}

// Config is the runtime configuration.
//
//nolint:lll
type Config struct {
	ConfigFile string `long:"configfile" description:"Path to configuration file."`
	Network    string `long:"network" description:"The bitcoin network to run on." choice:"mainnet" choice:"testnet" choice:"regtest" choice:"simnet" choice:"signet"`
	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems."`

	PaymentTimeout      time.Duration `long:"payment-timeout" description:"The deadline of a payment from submission to a final status."`
	PaymentPollInterval time.Duration `long:"payment-poll-interval" description:"The delay between status lookups of an in-flight payment."`

	DB        *store.Config    `group:"db" namespace:"db"`
	Log       *build.LogConfig `group:"log" namespace:"log"`
	Scheduler *SchedulerConfig `group:"scheduler" namespace:"scheduler"`
	AuthGate  *AuthGateConfig  `group:"authgate" namespace:"authgate"`
	Safety    *SafetyConfig    `group:"safety" namespace:"safety"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() *Config {
	db := store.DefaultConfig()
	db.DBPath = defaultDataDir

	return &Config{
		ConfigFile:          defaultConfigFile,
		Network:             defaultNetwork,
		DebugLevel:          defaultLogLevel,
		PaymentTimeout:      DefaultPaymentTimeout,
		PaymentPollInterval: DefaultPaymentPollInterval,
		DB:                  db,
		Log:                 build.DefaultLogConfig(),
		Scheduler: &SchedulerConfig{
			BackoffInitial:       scheduler.DefaultBackoffInitial,
			BackoffMax:           scheduler.DefaultBackoffMax,
			Housekeeping:         scheduler.DefaultHousekeepingInterval,
			ChainSyncInterval:    DefaultChainSyncInterval,
			MonitorFlushInterval: DefaultMonitorFlushInterval,
			PeerEventInterval:    DefaultPeerEventInterval,
		},
		AuthGate: &AuthGateConfig{
			TaskTimeout: authgate.DefaultTaskTimeout,
		},
		Safety: &SafetyConfig{
			MonitorMargin: DefaultMonitorSafetyMargin,
		},
	}
}

// LoadConfig initializes and parses the config using a config file and the
// command line options in args.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(args []string) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := newParser(preCfg).ParseArgs(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.ConfigFile = preCfg.ConfigFile

	// Next, load any additional configuration options from the file.
	var configFileError error
	iniParser := flags.NewIniParser(newParser(cfg))
	if err := iniParser.ParseFile(cfg.ConfigFile); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := newParser(cfg).ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := lnutils.CreateDir(cfg.DB.DBPath, 0700); err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return cfg, nil
}

func newParser(cfg *Config) *flags.Parser {
	return flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
}

// Validate checks the given configuration to be sane. All file system paths
// are normalized.
func (c *Config) Validate() error {
	if _, err := c.ChainParams(); err != nil {
		return err
	}

	switch {
	case c.DB == nil || c.Log == nil || c.Scheduler == nil ||
		c.AuthGate == nil || c.Safety == nil:

		return errors.New("incomplete config, use DefaultConfig")

	case c.PaymentTimeout <= 0:
		return fmt.Errorf("payment-timeout must be positive, got %v",
			c.PaymentTimeout)

	case c.PaymentPollInterval <= 0 ||
		c.PaymentPollInterval >= c.PaymentTimeout:

		return fmt.Errorf("payment-poll-interval must be positive and "+
			"below payment-timeout, got %v", c.PaymentPollInterval)

	case c.Scheduler.ChainSyncInterval <= 0 ||
		c.Scheduler.MonitorFlushInterval <= 0 ||
		c.Scheduler.PeerEventInterval <= 0:

		return errors.New("scheduler intervals must be positive")

	case c.Scheduler.BackoffMax < c.Scheduler.BackoffInitial:
		return fmt.Errorf("scheduler.backoff-max %v below "+
			"scheduler.backoff-initial %v", c.Scheduler.BackoffMax,
			c.Scheduler.BackoffInitial)

	case c.AuthGate.GlobalRate < 0 || c.AuthGate.GlobalBurst < 0:
		return errors.New("authgate global limits must not be negative")
	}

	if c.DB.DBPath != "" {
		c.DB.DBPath = filepath.Clean(c.DB.DBPath)
	}

	// Surface bad requester keys and schedules here rather than at Start.
	if _, err := c.AuthGate.Budgets(); err != nil {
		return err
	}

	return nil
}

// ChainParams returns the parameters of the configured network.
func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
}

// Budgets returns the default budget granted to every configured requester.
func (c *AuthGateConfig) Budgets() ([]authgate.Budget, error) {
	perms := authgate.PermAll
	if len(c.Permissions) > 0 {
		perms = 0
		for _, name := range c.Permissions {
			p := authgate.Method(name).Permission()
			if p == 0 {
				return nil, fmt.Errorf("unknown permission %q, "+
					"supported methods are %v", name,
					authgate.Methods())
			}
			perms |= p
		}
	}

	budgets := make([]authgate.Budget, 0, len(c.Requesters))
	for _, keyHex := range c.Requesters {
		keyBytes, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("requester %q: %w", keyHex, err)
		}

		pub, err := btcec.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("requester %q: %w", keyHex, err)
		}

		b := authgate.Budget{
			RequesterKey:  pub,
			Ceiling:       lntypes.MilliSatoshi(c.Ceiling),
			Window:        c.Window,
			MaxRequests:   c.MaxRequests,
			RateWindow:    c.RateWindow,
			Permissions:   perms,
			ResetSchedule: c.ResetSchedule,
		}
		if err := b.Validate(); err != nil {
			return nil, err
		}

		budgets = append(budgets, b)
	}

	return budgets, nil
}
