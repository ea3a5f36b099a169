package ipc

import (
	logging "github.com/ipfs/go-log/v2"
)

// LoggerName is the go-log subsystem used by this package.
const LoggerName = "aacs-ipc"

var log = logging.Logger(LoggerName)
