package lnwasm

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnwasm/authgate"
	"github.com/lightningnetwork/lnwasm/build"
	"github.com/lightningnetwork/lnwasm/codec"
	"github.com/lightningnetwork/lnwasm/keyseal"
	"github.com/lightningnetwork/lnwasm/scheduler"
	"github.com/lightningnetwork/lnwasm/store"
	"github.com/lightningnetwork/lnwasm/subscribe"
	"github.com/lightningnetwork/lnwasm/writeguard"
)

// Subsystem defines the logging code for this subsystem.
const Subsystem = "LNWA"

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	UseLogger(build.NewSubLogger(Subsystem, nil))
}

// DisableLog disables all library log output. Logging output is disabled by
// default until UseLogger is called.
func DisableLog() {
	UseLogger(btclog.Disabled)
}

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// subLoggerManager hands out one sub-logger per subsystem, all derived from
// the same root logger, and tracks them so their levels can be changed.
type subLoggerManager struct {
	root btclog.Logger

	mu      sync.Mutex
	loggers build.SubLoggers
}

// A compile-time check to ensure subLoggerManager implements the
// LeveledSubLogger interface.
var _ build.LeveledSubLogger = (*subLoggerManager)(nil)

func newSubLoggerManager(root btclog.Logger) *subLoggerManager {
	return &subLoggerManager{
		root:    root,
		loggers: make(build.SubLoggers),
	}
}

// register derives the logger of subsystem and hands it to useLogger.
func (m *subLoggerManager) register(subsystem string,
	useLogger func(btclog.Logger)) {

	logger := build.NewSubLogger(subsystem, m.root.SubSystem)

	m.mu.Lock()
	m.loggers[subsystem] = logger
	m.mu.Unlock()

	useLogger(logger)
}

// SubLoggers returns the map of all registered subsystem loggers.
func (m *subLoggerManager) SubLoggers() build.SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(build.SubLoggers, len(m.loggers))
	for name, logger := range m.loggers {
		loggers[name] = logger
	}

	return loggers
}

// SupportedSubsystems returns the sorted names of the registered subsystems.
func (m *subLoggerManager) SupportedSubsystems() []string {
	return m.SubLoggers().SortedSubsystems()
}

// SetLogLevel assigns an individual subsystem logger a new log level.
func (m *subLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.loggers[subsystemID]; ok {
		logger.SetLevel(level)
	}
}

// SetLogLevels assigns all subsystem loggers the same new log level.
func (m *subLoggerManager) SetLogLevels(logLevel string) {
	level, ok := btclog.LevelFromString(logLevel)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, logger := range m.loggers {
		logger.SetLevel(level)
	}
}

// SetupLoggers derives a sub-logger for every package from root and applies
// level, a debug level string of the form "info" or
// "info,STOR=debug,SCHD=trace".
func SetupLoggers(root btclog.Logger, level string) error {
	m := newSubLoggerManager(root)

	m.register(Subsystem, UseLogger)
	m.register(store.Subsystem, store.UseLogger)
	m.register(codec.Subsystem, codec.UseLogger)
	m.register(keyseal.Subsystem, keyseal.UseLogger)
	m.register(writeguard.Subsystem, writeguard.UseLogger)
	m.register(scheduler.Subsystem, scheduler.UseLogger)
	m.register(authgate.Subsystem, authgate.UseLogger)
	m.register(subscribe.Subsystem, subscribe.UseLogger)

	return build.ParseAndSetDebugLevels(level, m)
}
