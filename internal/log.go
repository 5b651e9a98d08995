package internal

import (
	"github.com/sirupsen/logrus"
)

type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// Logrus hook which wraps another hook and filters log entries according to
// their level. (Note that we cannot use solely logrus.SetLevel, because we
// support multiple levels of logging at the same time.)
type logLevelHook struct {
	level logrus.Level
	logrus.Hook
}

// Levels returns all the levels supported by this hook.
func (h *logLevelHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= h.level {
			levels = append(levels, level)
		}
	}
	return levels
}

// SetupStdLogging configures the logging format to standard output.
// Typically, it is called when the config is not yet loaded.
func SetupStdLogging() {
	logrus.SetFormatter(&utcFormatter{
		&logrus.TextFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000000000Z07:00",
			FullTimestamp:    true,
			DisableColors:    false,
			DisableTimestamp: false,
			DisableSorting:   false,
		},
	})
}

// SetLoggingLevel applies the level named in the configuration to the
// standard logger. An unrecognised level is fatal: it means the logging
// was improperly configured, so we just exit with the error.
func SetLoggingLevel(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logrus.Fatalf("Unrecognised logging level %s: %q", name, err)
	}
	logrus.SetLevel(level)
}
