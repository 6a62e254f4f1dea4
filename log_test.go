package lnwasm

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnwasm/build"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/stretchr/testify/require"
)

// TestSetupLoggers rewires the package loggers, so it must not run in
// parallel with tests that log.
func TestSetupLoggers(t *testing.T) {
	t.Cleanup(func() {
		require.NoError(t, SetupLoggers(btclog.Disabled, "off"))
	})

	var buf bytes.Buffer
	root := build.NewConsoleLogger(build.DefaultLogConfig(), &buf)

	require.NoError(t, SetupLoggers(root, "info,SCHD=debug"))

	log.Infof("runtime ready")
	require.Contains(t, buf.String(), "runtime ready")
	require.Contains(t, buf.String(), Subsystem)

	m := newSubLoggerManager(root)
	m.register(scheduler.Subsystem, scheduler.UseLogger)
	require.Equal(t, []string{scheduler.Subsystem}, m.SupportedSubsystems())

	require.Error(t, SetupLoggers(root, "NOPE=debug"))
	require.Error(t, SetupLoggers(root, "loud"))
}
