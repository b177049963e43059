// Package sysutil holds process-level helpers: log level selection, boolean
// environment switches, and the identity a process stamps on its leases.
package sysutil

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ParseLogLevel maps debug|info|warn|error|fatal|panic (case-insensitive,
// "warning" accepted) to a zerolog level. Anything else is info.
func ParseLogLevel(lvl string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLogLevel sets the global zerolog level from lvl.
func SetLogLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLogLevel(lvl))
}

// IsTruthy reports whether an environment variable string should be considered true.
// Accepted values (case-insensitive): "1", "true", "yes", "y", "on".
func IsTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FirstNonEmpty returns the first value that is not blank, or "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// hostname is swapped in tests.
var hostname = os.Hostname

// InstanceID names this process as host-pid. Leases taken by two processes on
// one host stay distinct. fallback replaces an unknown host name.
func InstanceID(fallback string) string {
	host, err := hostname()
	if err != nil {
		host = ""
	}
	return fmt.Sprintf("%s-%d", FirstNonEmpty(host, fallback), os.Getpid())
}
