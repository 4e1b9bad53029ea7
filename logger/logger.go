// Package logger provides the leveled, process-wide logging facade used
// by every other package in the agent.
package logger

import (
	"fmt"
	"os"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("marznode")

// Init configures the logging backend. debug widens the default level
// to DEBUG; otherwise the agent logs at INFO and above.
func Init(debug bool) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{shortfunc} > %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	if debug {
		leveled.SetLevel(logging.DEBUG, "")
	} else {
		leveled.SetLevel(logging.INFO, "")
	}
	logging.SetBackend(leveled)
}

// Debug logs at debug level.
func Debug(args ...any) { log.Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// Info logs at info level.
func Info(args ...any) { log.Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { log.Infof(format, args...) }

// Warning logs at warning level.
func Warning(args ...any) { log.Warning(args...) }

// Warningf logs a formatted message at warning level.
func Warningf(format string, args ...any) { log.Warningf(format, args...) }

// Error logs at error level.
func Error(args ...any) { log.Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

// Fatalf logs at error level and exits the process with status 1.
func Fatalf(format string, args ...any) {
	log.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
