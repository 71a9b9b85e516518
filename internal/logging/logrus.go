package logging

import "github.com/sirupsen/logrus"

// logrusLogger wraps github.com/sirupsen/logrus for deployments that want
// leveled, field-structured output.
type logrusLogger struct {
	l *logrus.Logger
}

// NewLogrus builds a Logger backed by a logrus.Logger. A nil l uses
// logrus.StandardLogger().
func NewLogrus(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{l: l}
}

func (g *logrusLogger) Log(level Level, msg string, fields ...any) {
	entry := g.l.WithFields(toFields(fields))
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	default:
		entry.Info(msg)
	}
}

func toFields(kv []any) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}
