package duplex

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// taggedLogger prepends a fixed set of key-value pairs to every record,
// so each line names the connection it belongs to.
type taggedLogger struct {
	l    Logger
	tags []any
}

func withTags(l Logger, tags ...any) Logger {
	return &taggedLogger{l: l, tags: tags}
}

func (t *taggedLogger) args(args []any) []any {
	out := make([]any, 0, len(t.tags)+len(args))
	out = append(out, t.tags...)
	return append(out, args...)
}

func (t *taggedLogger) Debug(msg string, args ...any) { t.l.Debug(msg, t.args(args)...) }
func (t *taggedLogger) Info(msg string, args ...any)  { t.l.Info(msg, t.args(args)...) }
func (t *taggedLogger) Warn(msg string, args ...any)  { t.l.Warn(msg, t.args(args)...) }
func (t *taggedLogger) Error(msg string, args ...any) { t.l.Error(msg, t.args(args)...) }
