// Package log provides the leveled logger used throughout chocolate.
// Messages go to syslog and, at a configurable threshold, to stdout.
// Security-relevant events are logged through the Audit methods, which
// tag the message so downstream tooling can pick them out of the
// stream.
package log

import (
	"errors"
	"fmt"
	"log/syslog"
	"os"
	"sync"

	"github.com/jmhodges/clock"
)

// A Logger logs messages with explicit priority levels. It is
// implemented by a logging back-end as provided by New() or NewMock().
type Logger interface {
	Err(m string)
	Warning(m string)
	Info(m string)
	Debug(m string)
	AuditInfo(m string)
	AuditErr(m string)
}

// auditTag marks messages that must reach the audit stream.
const auditTag = "[AUDIT]"

type impl struct {
	w writer
}

var singleton struct {
	once sync.Once
	log  Logger
}

// New returns a Logger backed by the given syslog.Writer. Messages at
// or below stdoutLevel are also written to stdout.
func New(log *syslog.Writer, stdoutLevel int) (Logger, error) {
	if log == nil {
		return nil, errors.New("attempted to use a nil syslog writer")
	}
	return &impl{&bothWriter{log, stdoutLevel, clock.New()}}, nil
}

// NewStdoutLogger returns a Logger that writes only to stdout, for
// development and for processes run outside a syslog environment.
func NewStdoutLogger(level int) Logger {
	return &impl{&stdoutWriter{level, clock.New()}}
}

// Set configures the package singleton. It must be called at most once,
// before the first call to Get.
func Set(logger Logger) error {
	if singleton.log != nil {
		return errors.New("logger already set")
	}
	singleton.log = logger
	return nil
}

// Get returns the singleton Logger, installing a stdout logger if Set
// was never called.
func Get() Logger {
	singleton.once.Do(func() {
		if singleton.log == nil {
			singleton.log = NewStdoutLogger(int(syslog.LOG_DEBUG))
		}
	})
	return singleton.log
}

type writer interface {
	logAtLevel(syslog.Priority, string)
}

// bothWriter writes to syslog always and to stdout below a threshold.
type bothWriter struct {
	*syslog.Writer
	stdoutLevel int
	clk         clock.Clock
}

func (w *bothWriter) logAtLevel(level syslog.Priority, msg string) {
	switch level {
	case syslog.LOG_ERR:
		_ = w.Err(msg)
	case syslog.LOG_WARNING:
		_ = w.Warning(msg)
	case syslog.LOG_INFO:
		_ = w.Info(msg)
	case syslog.LOG_DEBUG:
		_ = w.Debug(msg)
	default:
		_ = w.Err(fmt.Sprintf("invalid log level %d for message: %s", level, msg))
	}
	stdoutLog(w.clk, w.stdoutLevel, level, msg)
}

type stdoutWriter struct {
	level int
	clk   clock.Clock
}

func (w *stdoutWriter) logAtLevel(level syslog.Priority, msg string) {
	stdoutLog(w.clk, w.level, level, msg)
}

func stdoutLog(clk clock.Clock, threshold int, level syslog.Priority, msg string) {
	if int(level) > threshold {
		return
	}
	fmt.Fprintf(os.Stdout, "%s %d %s\n",
		clk.Now().UTC().Format("2006-01-02T15:04:05.000000+00:00"),
		int(level),
		msg)
}

func (log *impl) Err(msg string) {
	log.w.logAtLevel(syslog.LOG_ERR, msg)
}

func (log *impl) Warning(msg string) {
	log.w.logAtLevel(syslog.LOG_WARNING, msg)
}

func (log *impl) Info(msg string) {
	log.w.logAtLevel(syslog.LOG_INFO, msg)
}

func (log *impl) Debug(msg string) {
	log.w.logAtLevel(syslog.LOG_DEBUG, msg)
}

// AuditInfo records a message to the audit stream at INFO severity.
func (log *impl) AuditInfo(msg string) {
	log.w.logAtLevel(syslog.LOG_INFO, fmt.Sprintf("%s %s", auditTag, msg))
}

// AuditErr records an error to the audit stream. Internal invariant
// violations are reported through this method so they are surfaced
// loudly rather than buried in the debug stream.
func (log *impl) AuditErr(msg string) {
	log.w.logAtLevel(syslog.LOG_ERR, fmt.Sprintf("%s %s", auditTag, msg))
}
