package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Fields aliases logrus.Fields for callers.
type Fields = logrus.Fields

// New returns a JSON logger scoped to one pipeline component.
func New(component string) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)
	logger.SetLevel(parseLevel(os.Getenv("LOG_LEVEL")))
	return logger.WithField("component", component)
}

func parseLevel(v string) logrus.Level {
	switch strings.ToLower(v) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
