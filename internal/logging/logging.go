package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns the process logger: JSON in prod, coloured text in dev. An
// unknown level falls back to info.
func New(env, level, service string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if env == "prod" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithField("service", service)
}
