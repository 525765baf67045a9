// Package logging provides the structured logger used across ja2mqtt's
// components, wrapping zerolog the way the reference pipeline's component
// loggers do: one namespaced logger per component, built once at startup
// and passed in explicitly rather than looked up from a global.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the minimal leveled, structured logging surface every ja2mqtt
// component depends on.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Named(component string) Logger
}

type zlogger struct {
	logger zerolog.Logger
}

// Option configures the root logger.
type Option func(*options)

type options struct {
	level  zerolog.Level
	writer io.Writer
	ansi   bool
}

// WithDebug enables debug-level output, mirroring JA2MQTT_DEBUG.
func WithDebug(debug bool) Option {
	return func(o *options) {
		if debug {
			o.level = zerolog.DebugLevel
		}
	}
}

// WithANSI toggles colored console output, mirroring JA2MQTT_NO_ANSI.
func WithANSI(ansi bool) Option {
	return func(o *options) { o.ansi = ansi }
}

// WithWriter overrides the destination writer, used by tests.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// New builds the root logger for the process.
func New(opts ...Option) Logger {
	o := &options{level: zerolog.InfoLevel, writer: os.Stdout, ansi: true}
	for _, apply := range opts {
		apply(o)
	}
	var w io.Writer = o.writer
	if o.ansi {
		w = zerolog.ConsoleWriter{Out: o.writer, TimeFormat: "15:04:05"}
	}
	l := zerolog.New(w).Level(o.level).With().Timestamp().Logger()
	return &zlogger{logger: l}
}

func (l *zlogger) Named(component string) Logger {
	return &zlogger{logger: l.logger.With().Str("component", component).Logger()}
}

func (l *zlogger) log(event *zerolog.Event, msg string, kv ...interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		event = event.Interface(key, kv[i+1])
	}
	event.Msg(msg)
}

func (l *zlogger) Debug(msg string, kv ...interface{}) { l.log(l.logger.Debug(), msg, kv...) }
func (l *zlogger) Info(msg string, kv ...interface{})  { l.log(l.logger.Info(), msg, kv...) }
func (l *zlogger) Warn(msg string, kv ...interface{})  { l.log(l.logger.Warn(), msg, kv...) }
func (l *zlogger) Error(msg string, kv ...interface{}) { l.log(l.logger.Error(), msg, kv...) }

// Nop returns a logger that discards everything, used by tests that do not
// care about log output.
func Nop() Logger { return New(WithWriter(io.Discard), WithANSI(false)) }
