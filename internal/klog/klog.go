// Package klog is the shared op/go-logging setup the logging packages of
// this module (association, reconnect, session, stream, version) log
// through: one backend configured once at process start, a named logger
// per component.
package klog

import (
	"os"

	"github.com/op/go-logging"
)

var stderrFormat = logging.MustStringFormatter(
	`%{color}%{time:15:04:05.000} %{level:.6s} [%{module}] ▶ %{message}%{color:reset}`,
)

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, stderrFormat)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(defaultLevel(), "")
	logging.SetBackend(leveled)
}

func defaultLevel() logging.Level {
	switch os.Getenv("CARLINK_LOG_LEVEL") {
	case "CRITICAL":
		return logging.CRITICAL
	case "ERROR":
		return logging.ERROR
	case "WARNING":
		return logging.WARNING
	case "NOTICE":
		return logging.NOTICE
	case "INFO":
		return logging.INFO
	case "DEBUG":
		return logging.DEBUG
	default:
		return logging.NOTICE
	}
}

// Get returns the named logger for one component (e.g. "stream",
// "version"). Each package that logs calls this once at package init and
// logs through the result.
func Get(component string) *logging.Logger {
	return logging.MustGetLogger(component)
}
