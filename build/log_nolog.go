//go:build nolog

package build

// LoggingType is a log type that discards everything.
const LoggingType = LogTypeNone
