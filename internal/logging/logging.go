// Package logging provides the package-level structured logger shared
// by the connection core and the xidbus-introspect command. It is never
// on the hot marshal/unmarshal path; it exists for transport teardown,
// dropped or unmatched inbound messages, and the documented
// backpressure-drop warning.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger. Tests may swap its level or output
// directly; production callers get a sane default.
var Log = newLogger()

func newLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithField("component", "xidbus")
}

// SetLevel adjusts the shared logger's minimum level, e.g. from a CLI's
// --verbose flag.
func SetLevel(level logrus.Level) {
	Log.Logger.SetLevel(level)
}
