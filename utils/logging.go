package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a text logger writing to stderr at the named level
// (panic, fatal, error, warn, info, debug, trace)
func NewLogger(level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return log, nil
}

// RankLogger tags every entry with the rank that produced it
func RankLogger(log *logrus.Logger, rank int) *logrus.Entry {
	return log.WithField("rank", rank)
}

// OrDiscard returns entry, or a logger that drops everything when entry is nil
func OrDiscard(entry *logrus.Entry) *logrus.Entry {
	if entry != nil {
		return entry
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
