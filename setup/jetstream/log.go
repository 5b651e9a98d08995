package jetstream

import (
	"github.com/nats-io/nats-server/v2/server"
	"github.com/sirupsen/logrus"
)

// LogAdapter routes the embedded broker's log output through logrus so
// that relay logs carry the same format and level filtering as the
// rest of the process.
type LogAdapter struct {
	log *logrus.Entry
}

var _ server.Logger = &LogAdapter{}

func NewLogAdapter() *LogAdapter {
	return &LogAdapter{
		log: logrus.StandardLogger().WithField("component", "relay"),
	}
}

// The broker treats notices as routine output, so they map to Info.
func (l *LogAdapter) Noticef(format string, v ...interface{}) {
	l.log.Infof(format, v...)
}

func (l *LogAdapter) Warnf(format string, v ...interface{}) {
	l.log.Warnf(format, v...)
}

func (l *LogAdapter) Fatalf(format string, v ...interface{}) {
	l.log.Fatalf(format, v...)
}

func (l *LogAdapter) Errorf(format string, v ...interface{}) {
	l.log.Errorf(format, v...)
}

func (l *LogAdapter) Debugf(format string, v ...interface{}) {
	l.log.Debugf(format, v...)
}

func (l *LogAdapter) Tracef(format string, v ...interface{}) {
	l.log.Tracef(format, v...)
}
