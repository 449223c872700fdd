package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a JSON logger at the given level. An unparseable level falls
// back to info rather than failing startup.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
