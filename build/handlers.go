package build

import (
	"io"

	"github.com/btcsuite/btclog/v2"
)

// NewConsoleLogger returns the root logger writing to w with the options in
// cfg applied. Sub-loggers are derived from it with SubSystem.
func NewConsoleLogger(cfg *LogConfig, w io.Writer) btclog.Logger {
	handler := btclog.NewDefaultHandler(w, cfg.HandlerOptions()...)

	return btclog.NewSLogger(handler)
}
