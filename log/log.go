// Package log mirrors the call shape of navidrome's log package: plain
// functions taking a context first, an optional error, and trailing
// key/value pairs, backed by logrus. Default() returns a Logger backed by
// the same package-level logrus instance, but no package in this module
// holds or injects one: the dlna facade, like every other package, calls
// the package-level functions directly, the way the teacher's code does,
// without threading a Logger argument through any call.
package log

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the interface Default() satisfies; no package in this module
// takes a Logger parameter.
type Logger interface {
	Trace(ctx context.Context, msg string, kv ...interface{})
	Debug(ctx context.Context, msg string, kv ...interface{})
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
}

type ctxKey int

const fieldsKey ctxKey = 0

// NewContext attaches structured fields to ctx so that every subsequent log
// call carrying this ctx includes them, the way navidrome threads a request
// ID through its handler context.
func NewContext(ctx context.Context, kv ...interface{}) context.Context {
	fields := mergeKV(fieldsFrom(ctx), kv)
	return context.WithValue(ctx, fieldsKey, fields)
}

func fieldsFrom(ctx context.Context) logrus.Fields {
	if ctx == nil {
		return logrus.Fields{}
	}
	if f, ok := ctx.Value(fieldsKey).(logrus.Fields); ok {
		return f
	}
	return logrus.Fields{}
}

func mergeKV(base logrus.Fields, kv []interface{}) logrus.Fields {
	out := logrus.Fields{}
	for k, v := range base {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out[key] = kv[i+1]
	}
	return out
}

// std is the package-wide logrus instance. It is deliberately package state
// (not a global var the caller must configure) so that `log.Debug(ctx, ...)`
// works from any package without wiring, matching the teacher's own
// package-level `log.Debug`/`log.Info` usage throughout server/dlna and
// server/sonos_cast.
var std = logrus.New()

// SetLevel adjusts verbosity; cmd/dlnadevice calls this with
// dlnacfg.Config.LogLevel and cmd/dlnactl with its --log-level setting.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	std.SetLevel(lvl)
}

// SetOutput lets a host redirect logs (e.g. to a file or io.Discard in
// tests) without reaching into logrus directly.
func SetOutput(w io.Writer) {
	std.SetOutput(w)
}

func entry(ctx context.Context) *logrus.Entry {
	return std.WithFields(fieldsFrom(ctx))
}

func Trace(ctx context.Context, msg string, kv ...interface{}) {
	entry(ctx).WithFields(mergeKV(logrus.Fields{}, kv)).Trace(msg)
}

func Debug(ctx context.Context, msg string, kv ...interface{}) {
	entry(ctx).WithFields(mergeKV(logrus.Fields{}, kv)).Debug(msg)
}

func Info(ctx context.Context, msg string, kv ...interface{}) {
	entry(ctx).WithFields(mergeKV(logrus.Fields{}, kv)).Info(msg)
}

// Warn logs at warning level. The first element of kv may be an error; if
// so it is recorded under the "error" field, matching the teacher's
// `log.Warn(ctx, "...", err)` call shape.
func Warn(ctx context.Context, msg string, kv ...interface{}) {
	fields, rest := splitErr(kv)
	entry(ctx).WithFields(mergeKV(fields, rest)).Warn(msg)
}

func Error(ctx context.Context, msg string, kv ...interface{}) {
	fields, rest := splitErr(kv)
	entry(ctx).WithFields(mergeKV(fields, rest)).Error(msg)
}

func splitErr(kv []interface{}) (logrus.Fields, []interface{}) {
	if len(kv) > 0 {
		if err, ok := kv[0].(error); ok {
			return logrus.Fields{"error": err.Error()}, kv[1:]
		}
	}
	return logrus.Fields{}, kv
}

// Default returns a Logger backed by the package-level logrus instance, for
// callers that want to hold an explicit Logger value rather than call the
// package functions directly.
func Default() Logger { return defaultLogger{} }

type defaultLogger struct{}

func (defaultLogger) Trace(ctx context.Context, msg string, kv ...interface{}) { Trace(ctx, msg, kv...) }
func (defaultLogger) Debug(ctx context.Context, msg string, kv ...interface{}) { Debug(ctx, msg, kv...) }
func (defaultLogger) Info(ctx context.Context, msg string, kv ...interface{})  { Info(ctx, msg, kv...) }
func (defaultLogger) Warn(ctx context.Context, msg string, kv ...interface{})  { Warn(ctx, msg, kv...) }
func (defaultLogger) Error(ctx context.Context, msg string, kv ...interface{}) { Error(ctx, msg, kv...) }
