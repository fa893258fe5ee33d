package lib

import (
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

var log = logging.Logger("rdt")

// SetLogLevel sets the level of the rdt subsystem logger.
func SetLogLevel(level string) error {
	return logging.SetLogLevel("rdt", level)
}

func connLogger(id string, local, remote interface{}) *zap.SugaredLogger {
	return log.With("conn", id, "local", local, "remote", remote)
}
