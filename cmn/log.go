package cmn

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds a component-scoped logger the way every package in the
// teacher threads a glog call through its own files - here the components
// that log (store, orchestrator, reconcile, events.RedisBus, and
// cmd/filestored's HTTP server and journal pruner) hold their own
// `log zerolog.Logger` field stamped with `component`; rollup and the
// backend executors hold none.
func NewLogger(component string, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).
		Level(lvl).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
