package common

import (
	"github.com/strandcdn/strand/lib/logger"
)

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers applies the configured level to all rpc subsystem loggers.
func InitLoggers(logLevel string) error {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return err
	}

	logger.SetLevel("rpc", level)
	logger.SetLevel("rpc/transport", level)
	logger.SetLevel("rpc/server", level)
	logger.SetLevel("rpc/client", level)
	return nil
}
