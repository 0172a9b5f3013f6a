// Package logging sets up the structured logger shared by every package in
// the agent core. It follows the logrus conventions used throughout the
// corpus's production repos: one process-wide logger configured once at
// injection, field-scoped entries handed down to subsystems.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the root logger. level is one of logrus's parseable level
// strings ("debug", "info", "warn", "error"); an unparseable or empty value
// falls back to "info", matching the teacher corpus's tolerance for
// misconfigured env vars rather than refusing to start.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// Component returns a child entry tagged with the owning package, so log
// lines from the memory manager, the instruction set and the LPC
// interceptor can be told apart in a shared agent log.
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}
