package h2s

// noopLogger discards everything; used by tests that need a Logger but
// don't care about its output.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})    {}
func (noopLogger) Infof(string, ...interface{})     {}
func (noopLogger) Warnf(string, ...interface{})     {}
func (noopLogger) Errorf(string, ...interface{})    {}
func (noopLogger) WithField(string, interface{}) Logger { return noopLogger{} }

var _ Logger = noopLogger{}
