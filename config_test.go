package lnwasm

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnwasm/authgate"
	"github.com/lightningnetwork/lnwasm/lntypes"
	"github.com/stretchr/testify/require"
)

func testKeyHex(t *testing.T) string {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return hex.EncodeToString(priv.PubKey().SerializeCompressed())
}

func TestDefaultConfigValid(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	params, err := cfg.ChainParams()
	require.NoError(t, err)
	require.Equal(t, chaincfg.MainNetParams.Name, params.Name)
}

// TestLoadConfig asserts that the config file overrides the defaults and
// that the command line overrides the config file.
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dbDir := filepath.Join(dir, "db")
	keyHex := testKeyHex(t)

	conf := `[Application Options]
network=regtest
payment-timeout=10s

[db]
db.dir=` + dbDir + `
db.timeout=5s

[authgate]
authgate.budget-msat=5000
authgate.budget-window=24h
authgate.permission=pay_invoice
authgate.permission=get_balance
`
	confPath := filepath.Join(dir, "lnwasm.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0600))

	cfg, err := LoadConfig([]string{
		"--configfile=" + confPath,
		"--payment-timeout=20s",
		"--authgate.requester=" + keyHex,
		"--safety.monitor-margin=144",
	})
	require.NoError(t, err)

	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, 20*time.Second, cfg.PaymentTimeout)
	require.Equal(t, 5*time.Second, cfg.DB.DBTimeout)
	require.Equal(t, dbDir, cfg.DB.DBPath)
	require.Equal(t, uint32(144), cfg.Safety.MonitorMargin)
	require.DirExists(t, dbDir)

	budgets, err := cfg.AuthGate.Budgets()
	require.NoError(t, err)
	require.Len(t, budgets, 1)

	b := budgets[0]
	require.Equal(t, keyHex,
		hex.EncodeToString(b.RequesterKey.SerializeCompressed()))
	require.Equal(t, lntypes.MilliSatoshi(5000), b.Ceiling)
	require.Equal(t, 24*time.Hour, b.Window)
	require.Equal(t, authgate.PermPayInvoice|authgate.PermGetBalance,
		b.Permissions)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadConfig([]string{
		"--configfile=" + filepath.Join(dir, "missing.conf"),
		"--db.dir=" + filepath.Join(dir, "db"),
		"--network=signet",
	})
	require.NoError(t, err)
	require.Equal(t, "signet", cfg.Network)
	require.Equal(t, DefaultPaymentTimeout, cfg.PaymentTimeout)
}

func TestLoadConfigBadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	confPath := filepath.Join(dir, "lnwasm.conf")
	require.NoError(t, os.WriteFile(
		confPath, []byte("[Application Options]\nno-such-option=1\n"),
		0600,
	))

	_, err := LoadConfig([]string{"--configfile=" + confPath})
	require.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(cfg *Config)
		errStr string
	}{
		{
			name: "unknown network",
			modify: func(cfg *Config) {
				cfg.Network = "moonnet"
			},
			errStr: "unknown network",
		},
		{
			name: "zero payment timeout",
			modify: func(cfg *Config) {
				cfg.PaymentTimeout = 0
			},
			errStr: "payment-timeout",
		},
		{
			name: "poll interval above timeout",
			modify: func(cfg *Config) {
				cfg.PaymentPollInterval = time.Minute
			},
			errStr: "payment-poll-interval",
		},
		{
			name: "zero chain sync interval",
			modify: func(cfg *Config) {
				cfg.Scheduler.ChainSyncInterval = 0
			},
			errStr: "intervals must be positive",
		},
		{
			name: "backoff max below initial",
			modify: func(cfg *Config) {
				cfg.Scheduler.BackoffMax = time.Millisecond
			},
			errStr: "backoff-max",
		},
		{
			name: "bad requester key",
			modify: func(cfg *Config) {
				cfg.AuthGate.Requesters = []string{"02abcd"}
			},
			errStr: "requester",
		},
		{
			name: "unknown permission",
			modify: func(cfg *Config) {
				cfg.AuthGate.Requesters = []string{
					testKeyHex(t),
				}
				cfg.AuthGate.Permissions = []string{"steal"}
			},
			errStr: "unknown permission",
		},
		{
			name: "bad reset schedule",
			modify: func(cfg *Config) {
				cfg.AuthGate.Requesters = []string{
					testKeyHex(t),
				}
				cfg.AuthGate.ResetSchedule = "every tuesday"
			},
			errStr: "reset schedule",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.modify(cfg)

			err := cfg.Validate()
			require.ErrorContains(t, err, tc.errStr)
		})
	}
}
