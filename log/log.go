// Package log provides the logging facade used throughout the
// certificate-lifecycle core, in the style of boulder's blog.Logger: a
// small set of severity-named convenience methods layered over a
// structured backend rather than direct fmt.Print/log.Print calls
// scattered through components.
package log

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Logger is the interface every component in this module takes at
// construction time. Components never reach for a global logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errf(format string, args ...interface{})
	// AuditErr marks a log line as audit-relevant: an error a human
	// operator should be able to find without wading through debug noise.
	AuditErr(format string, args ...interface{})
}

type logrLogger struct {
	l logr.Logger
}

// New wraps an existing logr.Logger (e.g. one backed by zapr, klogr, or
// any other logr provider) into the component-facing Logger interface.
func New(l logr.Logger) Logger {
	return &logrLogger{l: l}
}

// NewStdLogger returns a Logger backed by the standard library's log
// package via go-logr/stdr, named name. This is the default used by
// cmd/gg-cert-core when no other logr provider is wired in.
func NewStdLogger(name string) Logger {
	return New(stdr.New(nil).WithName(name))
}

func (s *logrLogger) Debugf(format string, args ...interface{}) {
	s.l.V(1).Info(fmt.Sprintf(format, args...))
}

func (s *logrLogger) Infof(format string, args ...interface{}) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (s *logrLogger) Warningf(format string, args ...interface{}) {
	s.l.Info("WARNING: " + fmt.Sprintf(format, args...))
}

func (s *logrLogger) Errf(format string, args ...interface{}) {
	s.l.Error(nil, fmt.Sprintf(format, args...))
}

func (s *logrLogger) AuditErr(format string, args ...interface{}) {
	s.l.Error(nil, "AUDIT: "+fmt.Sprintf(format, args...))
}

// NopLogger discards everything. Useful as a test default.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{})   {}
func (NopLogger) Infof(string, ...interface{})    {}
func (NopLogger) Warningf(string, ...interface{}) {}
func (NopLogger) Errf(string, ...interface{})     {}
func (NopLogger) AuditErr(string, ...interface{}) {}

var _ Logger = NopLogger{}
