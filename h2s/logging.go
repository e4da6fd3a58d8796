package h2s

import "github.com/sirupsen/logrus"

// Logger is the narrow logging surface every component depends on,
// satisfied by a *logrus.Entry with connection-scoped fields already
// attached — the structured-field idiom h2mux.go uses logrus for.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type entryLogger struct {
	*logrus.Entry
}

func (l entryLogger) WithField(key string, value interface{}) Logger {
	return entryLogger{l.Entry.WithField(key, value)}
}

// NewLogger builds a Logger tagged with remoteAddr, so every line it
// writes carries the peer address.
func NewLogger(remoteAddr string) Logger {
	return entryLogger{logrus.WithField("remote_addr", remoteAddr)}
}
