//go:build !stdlog && !nolog

package build

// LoggingType is a log type that routes sub-loggers through the root handler
// supplied by the embedding application.
const LoggingType = LogTypeDefault
