// Package logging constructs the process-wide logrus logger, the way
// firestige-Otus and mattsp1290-ag-ui wire logrus: one configured
// instance built at startup, with per-call fields attached rather than
// package-level globals mutated at call sites.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a JSON-formatted logger at the given level (e.g. "info",
// "debug"). An unrecognized level falls back to info.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
